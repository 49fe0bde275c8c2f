package ext2

// MaxFileSize caps the files ReadFile will load.
const MaxFileSize = 1 << 20

// FileBuffer holds a file read from the volume. Its capacity is padded to
// whole blocks; Len is the number of file bytes actually read.
type FileBuffer struct {
	data []byte
	n    int
}

func newFileBuffer(capacity uint64) *FileBuffer {
	return &FileBuffer{data: make([]byte, capacity)}
}

func (fb *FileBuffer) Bytes() []byte { return fb.data[:fb.n] }

func (fb *FileBuffer) Len() int { return fb.n }

func (fb *FileBuffer) Cap() int { return len(fb.data) }
