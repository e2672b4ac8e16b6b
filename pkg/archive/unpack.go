package archive

import (
	"archive/tar"
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zip"
	"github.com/rs/zerolog/log"
)

var (
	// ErrUnsupportedFormat indicates the archive is neither tar (plain or
	// gzip-compressed) nor zip.
	ErrUnsupportedFormat = errors.New("unsupported archive format")

	// ErrDestinationExists indicates the extraction directory already exists.
	ErrDestinationExists = errors.New("destination already exists")
)

// Format is a detected archive format.
type Format string

const (
	FormatTar   Format = "tar"
	FormatTarGz Format = "tar.gz"
	FormatZip   Format = "zip"
)

var (
	gzipMagic = []byte{0x1f, 0x8b}
	zipMagic  = []byte("PK\x03\x04")
	tarMagic  = []byte("ustar")
)

// tarMagicOffset is where the ustar magic sits in a tar header block.
const tarMagicOffset = 257

// Detect inspects the content of the file at path. Tar, compressed or not,
// is checked before zip.
func Detect(path string) (Format, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	head := make([]byte, 512)
	n, err := io.ReadFull(f, head)
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) && !errors.Is(err, io.EOF) {
		return "", fmt.Errorf("read %s: %w", path, err)
	}
	head = head[:n]

	if bytes.HasPrefix(head, gzipMagic) {
		if _, err := f.Seek(0, io.SeekStart); err != nil {
			return "", err
		}
		gz, err := gzip.NewReader(f)
		if err != nil {
			return "", fmt.Errorf("%w: corrupt gzip stream: %v", ErrUnsupportedFormat, err)
		}
		defer gz.Close()

		inner := make([]byte, 512)
		m, _ := io.ReadFull(gz, inner)
		if isTarHeader(inner[:m]) {
			return FormatTarGz, nil
		}
		return "", fmt.Errorf("%w: gzip stream does not contain a tar archive", ErrUnsupportedFormat)
	}
	if isTarHeader(head) {
		return FormatTar, nil
	}
	if bytes.HasPrefix(head, zipMagic) {
		return FormatZip, nil
	}
	return "", ErrUnsupportedFormat
}

func isTarHeader(block []byte) bool {
	return len(block) >= tarMagicOffset+len(tarMagic) &&
		bytes.Equal(block[tarMagicOffset:tarMagicOffset+len(tarMagic)], tarMagic)
}

// Unpack extracts the archive at path into dest, which must not exist yet.
// It returns the extracted regular files, sorted.
func Unpack(path, dest string) ([]string, error) {
	format, err := Detect(path)
	if err != nil {
		return nil, fmt.Errorf("unpack %s: %w", path, err)
	}

	if err := os.Mkdir(dest, 0o755); err != nil {
		if errors.Is(err, fs.ErrExist) {
			return nil, fmt.Errorf("%w: %s", ErrDestinationExists, dest)
		}
		return nil, fmt.Errorf("create %s: %w", dest, err)
	}

	var files []string
	switch format {
	case FormatTar, FormatTarGz:
		files, err = untar(path, dest, format == FormatTarGz)
	case FormatZip:
		files, err = unzip(path, dest)
	}
	if err != nil {
		os.RemoveAll(dest)
		return nil, fmt.Errorf("unpack %s: %w", path, err)
	}

	sort.Strings(files)
	log.Debug().
		Str("archive", path).
		Str("format", string(format)).
		Str("dest", dest).
		Int("files", len(files)).
		Msg("Archive unpacked")

	return files, nil
}

func untar(path, dest string, compressed bool) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var r io.Reader = bufio.NewReader(f)
	if compressed {
		gz, err := gzip.NewReader(r)
		if err != nil {
			return nil, err
		}
		defer gz.Close()
		r = gz
	}

	var files []string
	tr := tar.NewReader(r)
	for {
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			return files, nil
		}
		if err != nil {
			return files, fmt.Errorf("read tar entry: %w", err)
		}

		target, err := entryPath(dest, hdr.Name)
		if err != nil {
			return files, err
		}

		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, 0o755); err != nil {
				return files, err
			}
		case tar.TypeReg:
			if err := writeFile(target, tr); err != nil {
				return files, err
			}
			files = append(files, target)
		default:
			log.Debug().Str("entry", hdr.Name).Msg("Skipping non-regular archive entry")
		}
	}
}

func unzip(path, dest string) ([]string, error) {
	zr, err := zip.OpenReader(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnsupportedFormat, err)
	}
	defer zr.Close()

	var files []string
	for _, zf := range zr.File {
		target, err := entryPath(dest, zf.Name)
		if err != nil {
			return files, err
		}

		if zf.FileInfo().IsDir() {
			if err := os.MkdirAll(target, 0o755); err != nil {
				return files, err
			}
			continue
		}
		if !zf.Mode().IsRegular() {
			continue
		}

		rc, err := zf.Open()
		if err != nil {
			return files, fmt.Errorf("open %s: %w", zf.Name, err)
		}
		err = writeFile(target, rc)
		rc.Close()
		if err != nil {
			return files, err
		}
		files = append(files, target)
	}
	return files, nil
}

// entryPath resolves an archive entry name inside dest, rejecting names that
// would escape it.
func entryPath(dest, name string) (string, error) {
	clean := filepath.Clean(filepath.FromSlash(name))
	if !filepath.IsLocal(clean) {
		return "", fmt.Errorf("archive entry %q escapes destination", name)
	}
	return filepath.Join(dest, clean), nil
}

func writeFile(target string, r io.Reader) error {
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return err
	}
	out, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, r); err != nil {
		out.Close()
		return fmt.Errorf("extract %s: %w", target, err)
	}
	return out.Close()
}
