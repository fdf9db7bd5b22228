package main

import (
	"archive/zip"
	"bytes"
	"compress/gzip"
	"io"
	"strings"

	"github.com/pkg/errors"
)

var (
	zipMagic  = []byte("PK")
	gzipMagic = []byte{0x1f, 0x8b}
)

// ExtractAttachment turns a raw report attachment into XML bytes.
// Reporting organisations send zip archives, gzip streams, and occasionally
// bare XML; anything else is a decode failure handled per-message.
func ExtractAttachment(payload []byte, filename string) ([]byte, error) {
	name := strings.ToLower(filename)
	switch {
	case strings.HasSuffix(name, ".zip") || bytes.HasPrefix(payload, zipMagic):
		return extractZip(payload)
	case strings.HasSuffix(name, ".gz") || strings.HasSuffix(name, ".gzip") ||
		bytes.HasPrefix(payload, gzipMagic):
		return extractGzip(payload)
	case looksLikeXml(payload):
		return payload, nil
	}
	return nil, errors.Errorf("unsupported attachment type: %v", filename)
}

// First .xml entry wins so multi-entry archives decode deterministically.
func extractZip(payload []byte) ([]byte, error) {
	zr, e := zip.NewReader(bytes.NewReader(payload), int64(len(payload)))
	if e != nil {
		return nil, errors.Wrap(e, "opening zip")
	}
	if len(zr.File) == 0 {
		return nil, errors.New("zip archive has no entries")
	}
	entry := zr.File[0]
	for _, f := range zr.File {
		if strings.HasSuffix(strings.ToLower(f.Name), ".xml") {
			entry = f
			break
		}
	}
	rc, e := entry.Open()
	if e != nil {
		return nil, errors.Wrapf(e, "opening zip entry %v", entry.Name)
	}
	defer rc.Close()
	data, e := io.ReadAll(rc)
	if e != nil {
		return nil, errors.Wrapf(e, "reading zip entry %v", entry.Name)
	}
	return data, nil
}

func extractGzip(payload []byte) ([]byte, error) {
	gr, e := gzip.NewReader(bytes.NewReader(payload))
	if e != nil {
		return nil, errors.Wrap(e, "opening gzip")
	}
	defer gr.Close()
	data, e := io.ReadAll(gr)
	if e != nil {
		return nil, errors.Wrap(e, "decompressing gzip")
	}
	return data, nil
}

func looksLikeXml(payload []byte) bool {
	trimmed := bytes.TrimLeft(payload, " \t\r\n\xef\xbb\xbf")
	return bytes.HasPrefix(trimmed, []byte("<?xml")) ||
		bytes.HasPrefix(trimmed, []byte("<feedback"))
}
