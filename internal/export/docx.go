package export

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
	"time"
)

const (
	docxTimeout = 30 * time.Second
	docxMime    = "application/vnd.openxmlformats-officedocument.wordprocessingml.document"
)

// pandocBinary is resolved on PATH at render time.
var pandocBinary = "pandoc"

// RenderDOCX pipes the transcript HTML through pandoc. Emoji and the
// strike-through of deleted messages survive; CSS colors do not.
func RenderDOCX(ctx context.Context, html, title string) (*Result, error) {
	bin, err := exec.LookPath(pandocBinary)
	if err != nil {
		return nil, fmt.Errorf("%w: %s not on PATH", ErrDOCXDependencyMissing, pandocBinary)
	}

	ctx, cancel := context.WithTimeout(ctx, docxTimeout)
	defer cancel()

	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, bin,
		"--from=html",
		"--to=docx",
		"--standalone",
		"--metadata=title:"+title,
		"--metadata=lang:en",
		"--output=-",
	)
	cmd.Stdin = strings.NewReader(html)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if msg := strings.TrimSpace(stderr.String()); msg != "" {
			return nil, fmt.Errorf("pandoc: %s: %w", msg, err)
		}
		return nil, fmt.Errorf("pandoc: %w", err)
	}
	if stdout.Len() == 0 {
		return nil, fmt.Errorf("pandoc: empty output")
	}

	return &Result{
		Data:     stdout.Bytes(),
		Filename: sanitizeFilename(title) + ".docx",
		MimeType: docxMime,
	}, nil
}
