package data

import (
	"bufio"
	"compress/gzip"
	"encoding/binary"
	"io"
	"os"
	"strings"

	"github.com/pkg/errors"
)

const (
	idxImageMagic = 0x00000803
	idxLabelMagic = 0x00000801

	// Header values above these limits are rejected before any allocation.
	maxIDXCount     = 1 << 24
	maxIDXImageSize = 1 << 20

	// Initial capacity cap so a forged count cannot force a large allocation.
	idxPrealloc = 1 << 12
)

// openIDX opens an IDX file, transparently un-gzipping names ending in .gz.
func openIDX(path string) (io.Reader, func() error, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, errors.Wrap(err, "open idx")
	}
	if !strings.HasSuffix(path, ".gz") {
		return bufio.NewReader(f), f.Close, nil
	}
	gz, err := gzip.NewReader(f)
	if err != nil {
		f.Close()
		return nil, nil, errors.Wrapf(err, "gunzip %s", path)
	}
	return bufio.NewReader(gz), func() error {
		gz.Close()
		return f.Close()
	}, nil
}

// LoadIDXImages reads an MNIST style image file. Every image is returned as
// rows*cols raw bytes.
func LoadIDXImages(path string) ([][]byte, int, int, error) {
	r, closeFn, err := openIDX(path)
	if err != nil {
		return nil, 0, 0, err
	}
	defer closeFn()
	return ReadIDXImages(r)
}

// ReadIDXImages decodes the IDX3 image format from r.
func ReadIDXImages(r io.Reader) ([][]byte, int, int, error) {
	var header [4]uint32
	if err := binary.Read(r, binary.BigEndian, &header); err != nil {
		return nil, 0, 0, errors.Wrap(err, "read image header")
	}
	if header[0] != idxImageMagic {
		return nil, 0, 0, errors.Errorf("bad image magic %#x", header[0])
	}
	count, rows, cols := int(header[1]), int(header[2]), int(header[3])
	if count > maxIDXCount {
		return nil, 0, 0, errors.Errorf("image count %d exceeds %d", count, maxIDXCount)
	}
	if rows == 0 || cols == 0 || rows > maxIDXImageSize || cols > maxIDXImageSize || rows*cols > maxIDXImageSize {
		return nil, 0, 0, errors.Errorf("bad image dimensions %dx%d", rows, cols)
	}
	size := rows * cols

	// Read image by image so a short file fails before count*size is allocated.
	images := make([][]byte, 0, min(count, idxPrealloc))
	for i := 0; i < count; i++ {
		img := make([]byte, size)
		if _, err := io.ReadFull(r, img); err != nil {
			if err == io.EOF {
				err = io.ErrUnexpectedEOF
			}
			return nil, 0, 0, errors.Wrapf(err, "read image %d of %d", i, count)
		}
		images = append(images, img)
	}
	return images, rows, cols, nil
}

// LoadIDXLabels reads an MNIST style label file.
func LoadIDXLabels(path string) ([]int, error) {
	r, closeFn, err := openIDX(path)
	if err != nil {
		return nil, err
	}
	defer closeFn()
	return ReadIDXLabels(r)
}

// ReadIDXLabels decodes the IDX1 label format from r.
func ReadIDXLabels(r io.Reader) ([]int, error) {
	var header [2]uint32
	if err := binary.Read(r, binary.BigEndian, &header); err != nil {
		return nil, errors.Wrap(err, "read label header")
	}
	if header[0] != idxLabelMagic {
		return nil, errors.Errorf("bad label magic %#x", header[0])
	}
	count := int(header[1])
	if count > maxIDXCount {
		return nil, errors.Errorf("label count %d exceeds %d", count, maxIDXCount)
	}
	raw, err := io.ReadAll(io.LimitReader(r, int64(count)))
	if err != nil {
		return nil, errors.Wrapf(err, "read %d labels", count)
	}
	if len(raw) != count {
		return nil, errors.Wrapf(io.ErrUnexpectedEOF, "read %d of %d labels", len(raw), count)
	}
	labels := make([]int, len(raw))
	for i, b := range raw {
		labels[i] = int(b)
	}
	return labels, nil
}
