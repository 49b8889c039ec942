package captcha

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"
)

// Recognizer turns a challenge image into text.
type Recognizer interface {
	Recognize(ctx context.Context, image []byte) (string, error)
}

// RecognizerFunc adapts a function to Recognizer.
type RecognizerFunc func(ctx context.Context, image []byte) (string, error)

func (f RecognizerFunc) Recognize(ctx context.Context, image []byte) (string, error) {
	return f(ctx, image)
}

// Tesseract runs the tesseract CLI on the challenge image.
type Tesseract struct {
	Binary    string `yaml:"binary"`    // default "tesseract"
	Lang      string `yaml:"lang"`      // default "eng"
	PSM       int    `yaml:"psm"`       // page segmentation mode, default 7 (single text line)
	Whitelist string `yaml:"whitelist"` // default DefaultWhitelist
}

// DefaultWhitelist lets tesseract read the operators the portal may show,
// including the unsupported ones, so a multiplication or division is
// reported as such instead of as a missing operator.
const DefaultWhitelist = "0123456789+-=x*×/÷"

func (t *Tesseract) defaults() {
	if t.Binary == "" {
		t.Binary = "tesseract"
	}
	if t.Lang == "" {
		t.Lang = "eng"
	}
	if t.PSM == 0 {
		t.PSM = 7
	}
	if t.Whitelist == "" {
		t.Whitelist = DefaultWhitelist
	}
}

// Args returns the tesseract command line for an input file.
func (t Tesseract) Args(input string) []string {
	t.defaults()
	return []string{
		input, "stdout",
		"-l", t.Lang,
		"--psm", strconv.Itoa(t.PSM),
		"-c", "tessedit_char_whitelist=" + t.Whitelist,
	}
}

// Recognize writes image to a temp file and returns tesseract's stdout.
func (t Tesseract) Recognize(ctx context.Context, image []byte) (string, error) {
	t.defaults()
	if len(image) == 0 {
		return "", fmt.Errorf("captcha: ocr: empty image")
	}

	f, err := os.CreateTemp("", "taxpull-captcha-*.png")
	if err != nil {
		return "", fmt.Errorf("captcha: ocr: temp file: %w", err)
	}
	defer os.Remove(f.Name())
	if _, err := f.Write(image); err != nil {
		f.Close()
		return "", fmt.Errorf("captcha: ocr: write image: %w", err)
	}
	if err := f.Close(); err != nil {
		return "", fmt.Errorf("captcha: ocr: close image: %w", err)
	}

	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, t.Binary, t.Args(f.Name())...)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("captcha: ocr: %s: %w: %s", t.Binary, err, strings.TrimSpace(stderr.String()))
	}
	return strings.TrimSpace(stdout.String()), nil
}
