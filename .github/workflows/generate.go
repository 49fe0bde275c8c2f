//go:generate sh -c "go run generate.go > ci.yaml"

package main

import (
	"fmt"
	"io"
	"log"
	"os"

	"gopkg.in/yaml.v3"
)

type PushTrigger struct {
	Branches []string `yaml:"branches,omitempty"`
	Tags     []string `yaml:"tags,omitempty"`
}

type Trigger struct {
	Push        PushTrigger `yaml:"push,omitempty"`
	PullRequest struct{}    `yaml:"pull_request"`
}

type Args map[string]interface{}

type Step struct {
	Name string `yaml:"name,omitempty"`
	If   string `yaml:"if,omitempty"`
	Uses string `yaml:"uses,omitempty"`
	ID   string `yaml:"id,omitempty"`
	Run  string `yaml:"run,omitempty"`
	With Args   `yaml:"with,omitempty"`
}

type Job struct {
	RunsOn string   `yaml:"runs-on"`
	Needs  []string `yaml:"needs,omitempty"`
	Steps  []Step   `yaml:"steps"`
}

type Workflow struct {
	Name string  `yaml:"name"`
	On   Trigger `yaml:"on"`
	Jobs map[string]Job
}

const goVersion = "1.21"

func setup() []Step {
	return []Step{{
		Name: "Checkout",
		Uses: "actions/checkout@v3",
	}, {
		Name: "Set up Go",
		Uses: "actions/setup-go@v4",
		With: Args{"go-version": goVersion},
	}}
}

func JobTest() Job {
	return Job{
		RunsOn: "ubuntu-latest",
		Steps: append(setup(), Step{
			Name: "Vet",
			Run:  "go vet ./...",
		}, Step{
			Name: "Test",
			Run:  "go test -race ./...",
		}),
	}
}

// JobBoot builds a demo disk image for each block size and boots it in the
// simulator, keeping the final screen.
func JobBoot(blockSizes ...int) Job {
	steps := append(setup(), Step{
		Name: "Build bootsim",
		Run:  "go build -o bootsim ./cmd/bootsim\nmkdir -p screens\n",
	})
	for _, size := range blockSizes {
		image := fmt.Sprintf("disk-%d.img.gz", size)
		steps = append(steps, Step{
			Name: fmt.Sprintf("Boot %d-byte blocks", size),
			Run: fmt.Sprintf(
				"./bootsim mkimage --out %[1]s --block-size %[2]d\n"+
					"./bootsim inspect --image %[1]s\n"+
					"./bootsim boot --image %[1]s --screenshot screens/\n",
				image,
				size,
			),
		})
	}
	steps = append(steps, Step{
		Name: "Upload screenshots",
		If:   "always()",
		Uses: "actions/upload-artifact@v3",
		With: Args{"name": "screens", "path": "screens/"},
	})
	return Job{
		RunsOn: "ubuntu-latest",
		Needs:  []string{"test"},
		Steps:  steps,
	}
}

func WorkflowCI() Workflow {
	return Workflow{
		Name: "ci",
		On: Trigger{
			Push: PushTrigger{
				Branches: []string{"*"},
				Tags:     []string{"*"},
			},
		},
		Jobs: map[string]Job{
			"test": JobTest(),
			"boot": JobBoot(1024, 2048, 4096),
		},
	}
}

func MarshalToWriter(w io.Writer, v interface{}) error {
	yamlEncoder := yaml.NewEncoder(w)
	yamlEncoder.SetIndent(2)
	if err := yamlEncoder.Encode(v); err != nil {
		return fmt.Errorf("marshaling to YAML: %w", err)
	}
	return nil
}

func main() {
	if err := MarshalToWriter(os.Stdout, WorkflowCI()); err != nil {
		log.Fatalf("marshaling ci workflow: %v", err)
	}
}
