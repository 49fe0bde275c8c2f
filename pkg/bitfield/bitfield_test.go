package bitfield

import (
	"testing"
)

type flags struct {
	Allocated  bool `bitfield:",1"`
	KernelPage bool `bitfield:",1"`
	Untagged   int
	Reserved   uint32 `bitfield:",30"`
}

func TestPack(t *testing.T) {
	tests := []struct {
		name     string
		flags    flags
		expected uint64
		wantErr  bool
	}{
		{name: "all flags false", flags: flags{}, expected: 0},
		{name: "only allocated", flags: flags{Allocated: true}, expected: 0x1},
		{name: "only kernel page", flags: flags{KernelPage: true}, expected: 0x2},
		{
			name:     "untagged fields are ignored",
			flags:    flags{Allocated: true, Untagged: 99},
			expected: 0x1,
		},
		{
			name:     "with reserved bits",
			flags:    flags{Allocated: true, Reserved: 0x12345678},
			expected: 0x48D159E1,
		},
		{
			name:    "reserved overflow",
			flags:   flags{Reserved: 1 << 30},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			packed, err := Pack(tt.flags, &Config{NumBits: 32})
			if (err != nil) != tt.wantErr {
				t.Fatalf("Pack() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err == nil && packed != tt.expected {
				t.Fatalf("Pack() = 0x%08x, want 0x%08x", packed, tt.expected)
			}
		})
	}
}

func TestPackTooWide(t *testing.T) {
	if _, err := Pack(flags{}, &Config{NumBits: 8}); err == nil {
		t.Fatal("Pack(): wanted error for 32-bit struct into 8 bits")
	}
}

func TestUnpackRoundTrip(t *testing.T) {
	for _, want := range []flags{
		{},
		{Allocated: true},
		{KernelPage: true, Reserved: 7},
		{Allocated: true, KernelPage: true, Reserved: 0x3FFFFFFF},
	} {
		packed, err := Pack(&want, nil)
		if err != nil {
			t.Fatalf("Pack(): unexpected err: %v", err)
		}
		var found flags
		if err := Unpack(packed, &found); err != nil {
			t.Fatalf("Unpack(): unexpected err: %v", err)
		}
		if found != want {
			t.Fatalf("round trip: wanted `%+v`; found `%+v`", want, found)
		}
	}
}

func TestUnpackRequiresPointer(t *testing.T) {
	if err := Unpack(0, flags{}); err == nil {
		t.Fatal("Unpack(): wanted error for non-pointer")
	}
}
