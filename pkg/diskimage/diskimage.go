// Package diskimage opens the raw disk images the simulator boots from.
// Images are addressed by URI: a local path, a gzip-compressed local path
// ending in `.gz`, or `s3://bucket/key` (optionally `.gz`).
package diskimage

import (
	"bytes"
	"compress/gzip"
	"context"
	"fmt"
	"io"
	"net/url"
	"os"
	"strings"

	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/pkg/errors"

	"github.com/weberc2/mono/stage2/pkg/types"
)

const sectorSize = 512

// Image is an opened disk image.
type Image struct {
	io.ReaderAt
	URI    string
	size   int64
	closer io.Closer
}

func (img *Image) Size() int64 { return img.size }

// Sectors returns the number of whole sectors in the image.
func (img *Image) Sectors() uint32 {
	n := img.size / sectorSize
	if n > int64(^uint32(0)) {
		return ^uint32(0)
	}
	return uint32(n)
}

func (img *Image) Close() error {
	if img.closer == nil {
		return nil
	}
	return img.closer.Close()
}

// Opener resolves image URIs. A nil S3 source is created from the default
// AWS session on first use.
type Opener struct {
	S3 *S3Source
}

func (o *Opener) s3() (*S3Source, error) {
	if o.S3 == nil {
		sess, err := session.NewSession()
		if err != nil {
			return nil, errors.Wrap(err, "creating AWS session")
		}
		o.S3 = &S3Source{Client: s3.New(sess)}
	}
	return o.S3, nil
}

type location struct {
	bucket string
	key    string
	path   string
}

func (l location) compressed() bool {
	return strings.HasSuffix(l.key, ".gz") || strings.HasSuffix(l.path, ".gz")
}

func parseURI(uri string) (location, error) {
	if !strings.Contains(uri, "://") {
		if uri == "" {
			return location{}, types.NewError(types.InvalidArgumentErr, "empty image uri")
		}
		return location{path: uri}, nil
	}

	u, err := url.Parse(uri)
	if err != nil {
		return location{}, types.NewError(
			types.InvalidArgumentErr,
			fmt.Sprintf("parsing image uri `%s`: %v", uri, err),
		)
	}
	switch u.Scheme {
	case "file":
		return location{path: u.Path}, nil
	case "s3":
		key := strings.TrimPrefix(u.Path, "/")
		if u.Host == "" || key == "" {
			return location{}, types.NewError(
				types.InvalidArgumentErr,
				fmt.Sprintf("image uri `%s`: wanted `s3://bucket/key`", uri),
			)
		}
		return location{bucket: u.Host, key: key}, nil
	default:
		return location{}, types.NewError(
			types.UnsupportedErr,
			fmt.Sprintf("image uri `%s`: unsupported scheme `%s`", uri, u.Scheme),
		)
	}
}

// Open opens `uri` with a default Opener.
func Open(ctx context.Context, uri string) (*Image, error) {
	var o Opener
	return o.Open(ctx, uri)
}

// Open returns a random-access view of the image at `uri`. Compressed and
// remote images are read into memory.
func (o *Opener) Open(ctx context.Context, uri string) (*Image, error) {
	loc, err := parseURI(uri)
	if err != nil {
		return nil, err
	}

	var body io.ReadCloser
	if loc.path != "" {
		f, err := os.Open(loc.path)
		if err != nil {
			if os.IsNotExist(err) {
				return nil, errors.Wrapf(
					types.NotFoundErr,
					"opening image `%s`",
					loc.path,
				)
			}
			return nil, errors.Wrapf(err, "opening image `%s`", loc.path)
		}
		if !loc.compressed() {
			info, err := f.Stat()
			if err != nil {
				f.Close()
				return nil, errors.Wrapf(err, "stat image `%s`", loc.path)
			}
			return &Image{ReaderAt: f, URI: uri, size: info.Size(), closer: f}, nil
		}
		body = f
	} else {
		src, err := o.s3()
		if err != nil {
			return nil, err
		}
		if body, err = src.Get(ctx, loc.bucket, loc.key); err != nil {
			return nil, err
		}
	}
	defer body.Close()

	var r io.Reader = body
	if loc.compressed() {
		gz, err := gzip.NewReader(body)
		if err != nil {
			return nil, errors.Wrapf(err, "creating gzip reader for `%s`", uri)
		}
		defer gz.Close()
		r = gz
	}

	data, err := io.ReadAll(r)
	if err != nil {
		return nil, errors.Wrapf(err, "reading image `%s`", uri)
	}
	return &Image{ReaderAt: bytes.NewReader(data), URI: uri, size: int64(len(data))}, nil
}

// Write stores `data` at `uri`, compressing it when the URI ends in `.gz`.
func (o *Opener) Write(ctx context.Context, uri string, data []byte) error {
	loc, err := parseURI(uri)
	if err != nil {
		return err
	}

	if loc.compressed() {
		var b bytes.Buffer
		w, err := gzip.NewWriterLevel(&b, gzip.BestCompression)
		if err != nil {
			return errors.Wrap(err, "creating gzip writer")
		}
		if _, err := w.Write(data); err != nil {
			return errors.Wrap(err, "compressing image")
		}
		if err := w.Close(); err != nil {
			return errors.Wrap(err, "closing gzip writer")
		}
		data = b.Bytes()
	}

	if loc.path != "" {
		return errors.Wrapf(
			os.WriteFile(loc.path, data, 0644),
			"writing image `%s`",
			loc.path,
		)
	}
	src, err := o.s3()
	if err != nil {
		return err
	}
	return src.Put(ctx, loc.bucket, loc.key, bytes.NewReader(data))
}
