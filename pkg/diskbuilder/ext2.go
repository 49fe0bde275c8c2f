package diskbuilder

import (
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/weberc2/mono/stage2/pkg/ext2"
)

// Params sets the geometry of a synthetic ext2 volume. Zero fields take
// the defaults documented on each field.
type Params struct {
	// BlockSize is 1024 (default), 2048 or 4096.
	BlockSize uint32

	// InodesPerGroup defaults to 32.
	InodesPerGroup uint32

	// Groups defaults to 1.
	Groups uint32

	// Revision is ext2.RevLevelDynamic unless Static is set.
	Static bool

	// InodeSize is written to the superblock of dynamic volumes and is the
	// on-disk stride whenever ext2 would honor it. Defaults to 128.
	InodeSize uint16

	FeatureIncompat uint32
	UUID            uuid.UUID
	VolumeName      string
}

// RawInode describes an inode whose block pointers are supplied by the
// caller rather than laid out by the builder.
type RawInode struct {
	Mode  uint16
	Size  uint64
	Flags uint32
	Block [15]uint32
}

type node struct {
	ino      ext2.Ino
	dir      bool
	parent   *node
	entries  []dirEntry
	rawDir   [][]byte
	data     []byte
	raw      *RawInode
	links    uint16
	children map[string]*node
}

type dirEntry struct {
	name string
	node *node
}

// Ext2 is an ext2 volume under construction.
type Ext2 struct {
	params  Params
	root    *node
	nodes   []*node
	nextIno ext2.Ino
}

func NewExt2(params Params) *Ext2 {
	if params.BlockSize == 0 {
		params.BlockSize = 1024
	}
	if params.InodesPerGroup == 0 {
		params.InodesPerGroup = 32
	}
	if params.Groups == 0 {
		params.Groups = 1
	}
	if params.InodeSize == 0 {
		params.InodeSize = ext2.DefaultInodeSize
	}

	fs := &Ext2{params: params, nextIno: ext2.Ino(ext2.DefaultFirstIno)}
	fs.root = &node{ino: ext2.RootIno, dir: true, children: map[string]*node{}}
	fs.root.parent = fs.root
	fs.nodes = append(fs.nodes, fs.root)
	return fs
}

func (fs *Ext2) newNode(dir bool) (*node, error) {
	if uint32(fs.nextIno) > fs.params.InodesPerGroup*fs.params.Groups {
		return nil, fmt.Errorf("out of inodes")
	}
	n := &node{ino: fs.nextIno, dir: dir}
	if dir {
		n.children = map[string]*node{}
	}
	fs.nextIno++
	fs.nodes = append(fs.nodes, n)
	return n, nil
}

func split(path string) ([]string, error) {
	if !strings.HasPrefix(path, "/") {
		return nil, fmt.Errorf("path `%s` is not absolute", path)
	}
	var names []string
	for _, name := range strings.Split(path, "/") {
		if name != "" {
			names = append(names, name)
		}
	}
	return names, nil
}

func (fs *Ext2) link(dir *node, name string, n *node) {
	dir.children[name] = n
	dir.entries = append(dir.entries, dirEntry{name: name, node: n})
	n.links++
	if n.dir {
		n.parent = dir
		dir.links++
	}
}

// mkdirAll walks `names`, creating missing directories.
func (fs *Ext2) mkdirAll(names []string) (*node, error) {
	current := fs.root
	for _, name := range names {
		next, ok := current.children[name]
		if !ok {
			var err error
			if next, err = fs.newNode(true); err != nil {
				return nil, err
			}
			fs.link(current, name, next)
		}
		if !next.dir {
			return nil, fmt.Errorf("`%s` is not a directory", name)
		}
		current = next
	}
	return current, nil
}

func (fs *Ext2) create(path string, dir bool) (*node, error) {
	names, err := split(path)
	if err != nil {
		return nil, err
	}
	if len(names) == 0 {
		return nil, fmt.Errorf("cannot create `/`")
	}
	parent, err := fs.mkdirAll(names[:len(names)-1])
	if err != nil {
		return nil, fmt.Errorf("creating `%s`: %w", path, err)
	}
	name := names[len(names)-1]
	if _, exists := parent.children[name]; exists {
		return nil, fmt.Errorf("creating `%s`: already exists", path)
	}
	n, err := fs.newNode(dir)
	if err != nil {
		return nil, fmt.Errorf("creating `%s`: %w", path, err)
	}
	fs.link(parent, name, n)
	return n, nil
}

func (fs *Ext2) lookup(path string) (*node, error) {
	names, err := split(path)
	if err != nil {
		return nil, err
	}
	current := fs.root
	for _, name := range names {
		next, ok := current.children[name]
		if !ok {
			return nil, fmt.Errorf("`%s` not found", path)
		}
		current = next
	}
	return current, nil
}

// AddDir creates a directory and any missing parents.
func (fs *Ext2) AddDir(path string) (ext2.Ino, error) {
	names, err := split(path)
	if err != nil {
		return 0, err
	}
	n, err := fs.mkdirAll(names)
	if err != nil {
		return 0, fmt.Errorf("creating `%s`: %w", path, err)
	}
	return n.ino, nil
}

// AddFile creates a regular file, laying out its data in direct, single-
// and double-indirect blocks.
func (fs *Ext2) AddFile(path string, data []byte) (ext2.Ino, error) {
	blockSize := uint64(fs.params.BlockSize)
	if blocks := (uint64(len(data)) + blockSize - 1) / blockSize; blocks > ext2.MaxDoubleIndirectBlocks(blockSize) {
		return 0, fmt.Errorf("creating `%s`: too large for double-indirect blocks", path)
	}
	n, err := fs.create(path, false)
	if err != nil {
		return 0, err
	}
	n.data = data
	return n.ino, nil
}

// AddRawInode creates a file whose inode fields are taken verbatim.
func (fs *Ext2) AddRawInode(path string, raw RawInode) (ext2.Ino, error) {
	n, err := fs.create(path, false)
	if err != nil {
		return 0, err
	}
	n.raw = &raw
	return n.ino, nil
}

// Link adds a second name for an existing file.
func (fs *Ext2) Link(existing, path string) error {
	target, err := fs.lookup(existing)
	if err != nil {
		return fmt.Errorf("linking `%s`: %w", path, err)
	}
	if target.dir {
		return fmt.Errorf("linking `%s`: `%s` is a directory", path, existing)
	}
	names, err := split(path)
	if err != nil || len(names) == 0 {
		return fmt.Errorf("linking `%s`: invalid path", path)
	}
	parent, err := fs.mkdirAll(names[:len(names)-1])
	if err != nil {
		return fmt.Errorf("linking `%s`: %w", path, err)
	}
	fs.link(parent, names[len(names)-1], target)
	return nil
}

// AddDirBlock adds a raw block to a directory. Raw blocks precede the
// generated entries; short blocks are zero padded.
func (fs *Ext2) AddDirBlock(path string, block []byte) error {
	dir, err := fs.lookup(path)
	if err != nil {
		return err
	}
	if !dir.dir {
		return fmt.Errorf("`%s` is not a directory", path)
	}
	padded := make([]byte, fs.params.BlockSize)
	copy(padded, block)
	dir.rawDir = append(dir.rawDir, padded)
	return nil
}

// layout tracks block allocation while an image is written.
type layout struct {
	blockSize uint32
	image     []byte
}

func (l *layout) alloc() uint32 {
	block := uint32(len(l.image)) / l.blockSize
	l.image = append(l.image, make([]byte, l.blockSize)...)
	return block
}

func (l *layout) block(n uint32) []byte {
	return l.image[n*l.blockSize : (n+1)*l.blockSize]
}

// pointerBlock allocates a block holding `pointers`.
func (l *layout) pointerBlock(pointers []uint32) uint32 {
	block := l.alloc()
	b := l.block(block)
	for i, p := range pointers {
		ext2.EncodeUint32(p, b[4*i:])
	}
	return block
}

// writeData stores `data` in fresh blocks and returns the inode block array
// and the number of blocks used, pointer blocks included.
func (l *layout) writeData(data []byte) ([15]uint32, uint32) {
	var array [15]uint32
	var used uint32

	var blocks []uint32
	for off := 0; off < len(data); off += int(l.blockSize) {
		block := l.alloc()
		copy(l.block(block), data[off:])
		blocks = append(blocks, block)
	}
	used += uint32(len(blocks))

	n := copy(array[:ext2.NumDirectBlocks], blocks)
	blocks = blocks[n:]

	perBlock := int(l.blockSize / 4)
	if len(blocks) > 0 {
		n := perBlock
		if n > len(blocks) {
			n = len(blocks)
		}
		array[ext2.IndirectBlock] = l.pointerBlock(blocks[:n])
		used++
		blocks = blocks[n:]
	}

	if len(blocks) > 0 {
		var singles []uint32
		for len(blocks) > 0 {
			n := perBlock
			if n > len(blocks) {
				n = len(blocks)
			}
			singles = append(singles, l.pointerBlock(blocks[:n]))
			used++
			blocks = blocks[n:]
		}
		array[ext2.DoubleBlock] = l.pointerBlock(singles)
		used++
	}
	return array, used
}

// dirData serializes the entries of a directory, "." and ".." first.
func (fs *Ext2) dirData(n *node) []byte {
	var data []byte
	for _, raw := range n.rawDir {
		data = append(data, raw...)
	}

	entries := append(
		[]dirEntry{{name: ".", node: n}, {name: "..", node: n.parent}},
		n.entries...,
	)

	blockSize := int(fs.params.BlockSize)
	block := make([]byte, blockSize)
	off, last := 0, -1
	for _, e := range entries {
		recLen := int(ext2.DirEntryRecLen(len(e.name)))
		if off+recLen > blockSize {
			// Stretch the previous entry to the end of the block.
			ext2.EncodeUint16(uint16(blockSize-last), block[last+4:])
			data = append(data, block...)
			block = make([]byte, blockSize)
			off, last = 0, -1
		}

		fileType := ext2.DirTypeRegular
		if e.node.dir {
			fileType = ext2.DirTypeDir
		}
		h := ext2.DirEntryHeader{
			Ino:      e.node.ino,
			RecLen:   uint16(recLen),
			NameLen:  uint8(len(e.name)),
			FileType: fileType,
		}
		h.Encode(block[off:])
		copy(block[off+ext2.DirEntryHeaderSize:], e.name)
		last = off
		off += recLen
	}
	ext2.EncodeUint16(uint16(blockSize-last), block[last+4:])
	return append(data, block...)
}

func (fs *Ext2) revLevel() ext2.RevLevel {
	if fs.params.Static {
		return ext2.RevLevelStatic
	}
	return ext2.RevLevelDynamic
}

// Bytes lays the volume out and returns the image.
func (fs *Ext2) Bytes() []byte {
	p := fs.params
	sb := ext2.Superblock{
		InodesCount:     p.InodesPerGroup * p.Groups,
		InodesPerGroup:  p.InodesPerGroup,
		BlocksPerGroup:  8 * p.BlockSize,
		State:           ext2.StateClean,
		RevLevel:        fs.revLevel(),
		FirstIno:        ext2.DefaultFirstIno,
		InodeSize:       p.InodeSize,
		FeatureIncompat: p.FeatureIncompat | ext2.IncompatFiletype,
		UUID:            p.UUID,
		VolumeName:      p.VolumeName,
	}
	for sb.BlockSize() < p.BlockSize {
		sb.LogBlockSize++
	}
	if p.BlockSize == 1024 {
		sb.FirstDataBlock = 1
	}
	if sb.RevLevel == ext2.RevLevelStatic {
		sb.FeatureIncompat = 0
	}
	stride := sb.InodeRecordSize()

	l := &layout{blockSize: p.BlockSize}
	for i := uint32(0); i <= sb.FirstDataBlock; i++ {
		l.alloc()
	}

	descTable := l.alloc()
	for uint32(len(l.image)) < descTable*p.BlockSize+p.Groups*ext2.GroupDescSize {
		l.alloc()
	}

	tableBlocks := (p.InodesPerGroup*stride + p.BlockSize - 1) / p.BlockSize
	descs := make([]ext2.GroupDesc, p.Groups)
	for g := range descs {
		descs[g].InodeTable = uint32(len(l.image)) / p.BlockSize
		descs[g].FreeInodesCount = uint16(p.InodesPerGroup)
		for i := uint32(0); i < tableBlocks; i++ {
			l.alloc()
		}
	}

	type record struct {
		ino   ext2.Ino
		inode ext2.Inode
		raw   *RawInode
	}
	var records []record
	for _, n := range fs.nodes {
		inode := ext2.Inode{Ino: n.ino, LinksCount: n.links}
		switch {
		case n.raw != nil:
			inode.Size = n.raw.Size
			inode.Flags = n.raw.Flags
			inode.Block = n.raw.Block
		case n.dir:
			data := fs.dirData(n)
			var used uint32
			inode.Mode = ext2.Mode{FileType: ext2.FileTypeDir, AccessRights: 0755}
			inode.Size = uint64(len(data))
			inode.Block, used = l.writeData(data)
			inode.Size512 = used * (p.BlockSize / SectorSize)
			inode.LinksCount++
		default:
			var used uint32
			inode.Mode = ext2.Mode{FileType: ext2.FileTypeRegular, AccessRights: 0644}
			inode.Size = uint64(len(n.data))
			inode.Block, used = l.writeData(n.data)
			inode.Size512 = used * (p.BlockSize / SectorSize)
		}
		records = append(records, record{n.ino, inode, n.raw})
	}

	sb.BlocksCount = uint32(len(l.image)) / p.BlockSize

	for _, r := range records {
		group := uint32(r.ino-1) / p.InodesPerGroup
		local := uint32(r.ino-1) % p.InodesPerGroup
		off := descs[group].InodeTable*p.BlockSize + local*stride
		var b [ext2.InodeBufferSize]byte
		r.inode.Encode(sb.RevLevel, &b)
		copy(l.image[off:], b[:])
		if r.raw != nil {
			// Raw modes may not decode; store them untouched.
			ext2.EncodeUint16(r.raw.Mode, l.image[off:])
		}
		descs[group].FreeInodesCount--
	}

	var sbBytes [ext2.SuperblockSize]byte
	sb.Encode(&sbBytes)
	copy(l.image[ext2.SuperblockOffset:], sbBytes[:])

	for g, desc := range descs {
		var b [ext2.GroupDescSize]byte
		desc.Encode(&b)
		copy(l.image[descTable*p.BlockSize+uint32(g)*ext2.GroupDescSize:], b[:])
	}
	return l.image
}
