package lipsync

import (
	"crypto/sha256"
	"encoding/hex"
	"io"
	"os"
	"strconv"
)

// Fingerprint identifies the rendered output of a request. audioDigest is the
// content hash of the resolved audio file, so a source path whose bytes change
// yields a new fingerprint.
func Fingerprint(req Request, fps, blend int, audioDigest string) string {
	h := sha256.New()
	for _, part := range []string{
		req.Text,
		audioDigest,
		strconv.Itoa(int(req.Gender)),
		strconv.FormatFloat(req.CharInterval, 'g', -1, 64),
		strconv.Itoa(fps),
		strconv.Itoa(blend),
	} {
		h.Write([]byte(strconv.Itoa(len(part))))
		h.Write([]byte{':'})
		h.Write([]byte(part))
	}
	return hex.EncodeToString(h.Sum(nil))
}

// AudioDigest hashes the contents of the file at path.
func AudioDigest(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
