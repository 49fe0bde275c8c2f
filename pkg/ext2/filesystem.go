// Package ext2 is a read-only ext2 reader for loading files at boot. It
// understands the classic block map (direct, single- and double-indirect
// pointers) and rejects volumes or files that need anything newer.
package ext2

import (
	"bytes"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/weberc2/mono/stage2/pkg/types"
)

// FileSystem is a mounted volume. The zero value is unmounted; every method
// except Init fails with types.UninitializedErr until Init succeeds.
type FileSystem struct {
	Logger logrus.FieldLogger

	dev             types.BlockDevice
	base            types.LBA
	sb              Superblock
	blockSize       uint32
	sectorsPerBlock uint32
	inodeSize       uint32
	initialized     bool
}

// Info summarizes a mounted volume.
type Info struct {
	UUID            uuid.UUID
	VolumeName      string
	Revision        RevLevel
	BlockSize       uint32
	InodeSize       uint32
	InodesCount     uint32
	BlocksCount     uint32
	Groups          uint32
	FeatureIncompat uint32
}

func (fs *FileSystem) logger() logrus.FieldLogger {
	if fs.Logger == nil {
		fs.Logger = logrus.WithField("component", "ext2")
	}
	return fs.Logger
}

func (fs *FileSystem) Initialized() bool { return fs.initialized }

func (fs *FileSystem) checkInitialized(op string) error {
	if !fs.initialized {
		return errors.Wrapf(types.UninitializedErr, "%s: filesystem", op)
	}
	return nil
}

// Init mounts the volume whose first sector is `base`.
func (fs *FileSystem) Init(dev types.BlockDevice, base types.LBA) error {
	fs.initialized = false

	var b [SuperblockSize]byte
	sector := base + types.LBA(SuperblockOffset/types.SectorSize)
	if err := dev.ReadSectors(
		sector,
		uint32(SuperblockSize/types.SectorSize),
		b[:],
	); err != nil {
		return errors.Wrapf(err, "reading superblock at sector `%d`", sector)
	}

	sb, err := DecodeSuperblock(&b)
	if err != nil {
		return errors.Wrapf(err, "mounting filesystem at sector `%d`", base)
	}

	fs.dev = dev
	fs.base = base
	fs.sb = sb
	fs.blockSize = sb.BlockSize()
	fs.sectorsPerBlock = fs.blockSize / uint32(types.SectorSize)
	fs.inodeSize = sb.InodeRecordSize()
	fs.initialized = true

	fs.logger().WithField("base", base).
		WithField("uuid", sb.UUID).
		WithField("label", sb.VolumeName).
		WithField("block_size", humanize.IBytes(uint64(fs.blockSize))).
		WithField("inodes", sb.InodesCount).
		Infof("mounted ext2 volume")
	return nil
}

func (fs *FileSystem) Info() Info {
	return Info{
		UUID:            fs.sb.UUID,
		VolumeName:      fs.sb.VolumeName,
		Revision:        fs.sb.RevLevel,
		BlockSize:       fs.blockSize,
		InodeSize:       fs.inodeSize,
		InodesCount:     fs.sb.InodesCount,
		BlocksCount:     fs.sb.BlocksCount,
		Groups:          fs.sb.GroupCount(),
		FeatureIncompat: fs.sb.FeatureIncompat,
	}
}

func (fs *FileSystem) Superblock() Superblock { return fs.sb }

func (fs *FileSystem) BlockSize() uint32 { return fs.blockSize }

// DescriptorTableBlock is the block holding the first group descriptor, the
// one after the superblock's.
func (fs *FileSystem) DescriptorTableBlock() uint32 { return fs.sb.FirstDataBlock + 1 }

func (fs *FileSystem) readBlock(block uint32, b []byte) error {
	if block >= fs.sb.BlocksCount {
		return ErrBlockOutOfRange{block}
	}
	lba := uint64(fs.base) + uint64(block)*uint64(fs.sectorsPerBlock)
	if lba+uint64(fs.sectorsPerBlock) > 1<<32 {
		return ErrBlockOutOfRange{block}
	}
	if err := fs.dev.ReadSectors(
		types.LBA(lba),
		fs.sectorsPerBlock,
		b[:fs.blockSize],
	); err != nil {
		return errors.Wrapf(err, "reading block `%#x`", block)
	}
	return nil
}

// readAt fills `b` starting `offset` bytes into `block`, continuing into the
// following blocks as needed.
func (fs *FileSystem) readAt(block uint32, offset uint32, b []byte) error {
	scratch := make([]byte, fs.blockSize)
	for len(b) > 0 {
		block += offset / fs.blockSize
		offset %= fs.blockSize
		if err := fs.readBlock(block, scratch); err != nil {
			return err
		}
		n := copy(b, scratch[offset:])
		b = b[n:]
		block++
		offset = 0
	}
	return nil
}

func (fs *FileSystem) GetInoGroup(ino Ino) (uint32, uint32) {
	ipg := fs.sb.InodesPerGroup
	return uint32(ino-1) / ipg, uint32(ino-1) % ipg
}

func (fs *FileSystem) ReadGroupDesc(group uint32) (GroupDesc, error) {
	if err := fs.checkInitialized("reading group descriptor"); err != nil {
		return GroupDesc{}, err
	}

	offset := uint64(group) * GroupDescSize
	block := uint64(fs.DescriptorTableBlock()) + offset/uint64(fs.blockSize)
	if block >= uint64(fs.sb.BlocksCount) {
		return GroupDesc{}, errors.Wrapf(
			ErrBlockOutOfRange{uint32(block)},
			"reading descriptor for group `%d`",
			group,
		)
	}

	var b [GroupDescSize]byte
	if err := fs.readAt(
		uint32(block),
		uint32(offset%uint64(fs.blockSize)),
		b[:],
	); err != nil {
		return GroupDesc{}, errors.Wrapf(
			err,
			"reading descriptor for group `%d`",
			group,
		)
	}
	return DecodeGroupDesc(&b), nil
}

// LocateInode returns the block holding inode `ino` and the byte offset of
// its record within that block.
func (fs *FileSystem) LocateInode(ino Ino) (uint32, uint32, error) {
	if err := fs.checkInitialized("locating inode"); err != nil {
		return 0, 0, err
	}
	if ino == 0 || uint32(ino) > fs.sb.InodesCount {
		return 0, 0, ErrInodeOutOfRange{ino}
	}

	group, local := fs.GetInoGroup(ino)
	desc, err := fs.ReadGroupDesc(group)
	if err != nil {
		return 0, 0, errors.Wrapf(err, "locating inode `%d`", ino)
	}

	offset := uint64(local) * uint64(fs.inodeSize)
	block := uint64(desc.InodeTable) + offset/uint64(fs.blockSize)
	if block >= uint64(fs.sb.BlocksCount) {
		return 0, 0, errors.Wrapf(
			ErrBlockOutOfRange{uint32(block)},
			"locating inode `%d`",
			ino,
		)
	}
	return uint32(block), uint32(offset % uint64(fs.blockSize)), nil
}

// Inode reads and decodes inode `ino`.
func (fs *FileSystem) Inode(ino Ino) (Inode, error) {
	if err := fs.checkInitialized("reading inode"); err != nil {
		return Inode{}, err
	}

	block, offset, err := fs.LocateInode(ino)
	if err != nil {
		return Inode{}, err
	}

	var b [InodeBufferSize]byte
	if err := fs.readAt(block, offset, b[:]); err != nil {
		return Inode{}, errors.Wrapf(err, "reading inode `%d`", ino)
	}
	return DecodeInode(ino, fs.sb.RevLevel, &b)
}

// Lookup resolves an absolute, slash-separated path to an inode number.
func (fs *FileSystem) Lookup(path string) (Ino, error) {
	if err := fs.checkInitialized("looking up path"); err != nil {
		return 0, err
	}
	if !strings.HasPrefix(path, "/") {
		return 0, ErrRelativePath{path}
	}

	current := RootIno
	walked := "/"
	for _, name := range strings.Split(path, "/") {
		if name == "" {
			continue
		}

		dir, err := fs.Inode(current)
		if err != nil {
			return 0, errors.Wrapf(err, "resolving `%s`", path)
		}
		if !dir.IsDir() {
			return 0, ErrNotDirectory{Path: walked, Found: dir.Mode.FileType}
		}

		next, found, err := fs.lookupIn(&dir, []byte(name))
		if err != nil {
			return 0, errors.Wrapf(err, "resolving `%s`", path)
		}
		if !found {
			return 0, ErrNotFound{Path: walked, Name: name}
		}

		current = next
		walked = strings.TrimSuffix(walked, "/") + "/" + name
	}
	return current, nil
}

// lookupIn scans the direct blocks of `dir` and then its single-indirect
// block for an entry called `name`.
func (fs *FileSystem) lookupIn(dir *Inode, name []byte) (Ino, bool, error) {
	blocks := divRoundUp(dir.Size, uint64(fs.blockSize))
	buf := make([]byte, fs.blockSize)

	for i := uint64(0); i < NumDirectBlocks && i < blocks; i++ {
		ptr := dir.Block[i]
		if ptr == 0 {
			return 0, false, nil
		}
		ino, found, err := fs.scanDirBlock(dir.Ino, ptr, name, buf)
		if err != nil || found {
			return ino, found, err
		}
	}

	if blocks <= NumDirectBlocks || dir.Block[IndirectBlock] == 0 {
		return 0, false, nil
	}

	pointers := make([]byte, fs.blockSize)
	if err := fs.readBlock(dir.Block[IndirectBlock], pointers); err != nil {
		return 0, false, errors.Wrapf(
			err,
			"reading indirect block of directory `%d`",
			dir.Ino,
		)
	}
	for i := uint64(0); i < uint64(fs.blockSize/4) && NumDirectBlocks+i < blocks; i++ {
		ptr := getU32(pointers, int(4*i))
		if ptr == 0 {
			return 0, false, nil
		}
		ino, found, err := fs.scanDirBlock(dir.Ino, ptr, name, buf)
		if err != nil || found {
			return ino, found, err
		}
	}
	return 0, false, nil
}

// scanDirBlock looks for `name` in one directory block. A corrupt entry
// ends the scan of this block only.
func (fs *FileSystem) scanDirBlock(
	dir Ino,
	block uint32,
	name []byte,
	buf []byte,
) (Ino, bool, error) {
	if err := fs.readBlock(block, buf); err != nil {
		return 0, false, errors.Wrapf(err, "reading directory `%d`", dir)
	}

	for off := 0; off+DirEntryHeaderSize <= len(buf); {
		h := DecodeDirEntryHeader(buf[off:])
		if h.Ino == 0 || h.RecLen == 0 {
			return 0, false, nil
		}
		if off+int(h.RecLen) > len(buf) ||
			DirEntryHeaderSize+int(h.NameLen) > int(h.RecLen) {
			fs.logger().WithField("dir", dir).
				WithField("block", block).
				WithField("offset", off).
				WithField("rec_len", h.RecLen).
				WithField("name_len", h.NameLen).
				Warnf("corrupt directory entry; skipping rest of block")
			return 0, false, nil
		}

		start := off + DirEntryHeaderSize
		if bytes.Equal(buf[start:start+int(h.NameLen)], name) {
			return h.Ino, true, nil
		}
		off += int(h.RecLen)
	}
	return 0, false, nil
}

// ReadFile loads the regular file at `path`.
func (fs *FileSystem) ReadFile(path string) (*FileBuffer, error) {
	ino, err := fs.Lookup(path)
	if err != nil {
		return nil, errors.Wrapf(err, "reading file `%s`", path)
	}

	inode, err := fs.Inode(ino)
	if err != nil {
		return nil, errors.Wrapf(err, "reading file `%s`", path)
	}
	if !inode.IsRegular() {
		return nil, ErrNotRegular{Path: path, Found: inode.Mode.FileType}
	}

	fb, err := fs.readInodeData(&inode)
	if err != nil {
		return nil, errors.Wrapf(err, "reading file `%s`", path)
	}

	fs.logger().WithField("path", path).
		WithField("ino", ino).
		WithField("size", humanize.IBytes(uint64(fb.Len()))).
		Infof("read file")
	return fb, nil
}

func (fs *FileSystem) readInodeData(inode *Inode) (*FileBuffer, error) {
	blockSize := uint64(fs.blockSize)
	if inode.Flags&InodeFlagExtents != 0 {
		return nil, ErrExtents{inode.Ino}
	}

	blocks := divRoundUp(inode.Size, blockSize)
	if inode.Block[TripleBlock] != 0 || blocks > MaxDoubleIndirectBlocks(blockSize) {
		return nil, ErrTripleIndirect{inode.Ino}
	}
	if inode.Size > MaxFileSize {
		return nil, ErrFileTooLarge{Ino: inode.Ino, Size: inode.Size}
	}

	fb := newFileBuffer(blocks * blockSize)
	m := blockMap{fs: fs, inode: inode}
	for i := uint64(0); i < blocks; i++ {
		ptr, err := m.resolve(i)
		if err != nil {
			return nil, err
		}
		if ptr == 0 {
			break
		}
		if err := fs.readBlock(ptr, fb.data[i*blockSize:(i+1)*blockSize]); err != nil {
			return nil, errors.Wrapf(err, "reading block `%d` of inode `%d`", i, inode.Ino)
		}
		fb.n = int(minU64(inode.Size, (i+1)*blockSize))
	}
	return fb, nil
}

// blockMap resolves logical block indices of one inode, keeping the most
// recently read pointer block at each level.
type blockMap struct {
	fs     *FileSystem
	inode  *Inode
	single pointerBlock
	double pointerBlock
}

type pointerBlock struct {
	block uint32
	data  []byte
}

func (m *blockMap) pointer(cache *pointerBlock, block uint32, entry uint64) (uint32, error) {
	if cache.data == nil {
		cache.data = make([]byte, m.fs.blockSize)
	}
	if cache.block != block {
		if err := m.fs.readBlock(block, cache.data); err != nil {
			cache.block = 0
			return 0, errors.Wrapf(err, "reading pointer block of inode `%d`", m.inode.Ino)
		}
		cache.block = block
	}
	return getU32(cache.data, int(entry*4)), nil
}

// resolve returns the volume block holding logical block `i`, or zero at
// the end of the chain.
func (m *blockMap) resolve(i uint64) (uint32, error) {
	pos := InodeBlockToPos(uint64(m.fs.blockSize), i)
	switch pos.Level {
	case PosLevel0:
		return m.inode.Block[pos.Data[0]], nil
	case PosLevel1:
		single := m.inode.Block[IndirectBlock]
		if single == 0 {
			return 0, nil
		}
		return m.pointer(&m.single, single, pos.Data[0])
	case PosLevel2:
		double := m.inode.Block[DoubleBlock]
		if double == 0 {
			return 0, nil
		}
		single, err := m.pointer(&m.double, double, pos.Data[0])
		if err != nil || single == 0 {
			return 0, err
		}
		return m.pointer(&m.single, single, pos.Data[1])
	default:
		return 0, ErrTripleIndirect{m.inode.Ino}
	}
}
