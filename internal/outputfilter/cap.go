package outputfilter

import (
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"

	"github.com/zeebo/blake3"
)

// approxCharsPerToken mirrors the reference tool registry's token estimate:
// no tokenizer is vendored, so length in bytes divided by four stands in
// for a token count when enforcing max_output_tokens.
const approxCharsPerToken = 4

// ApplyTokenCap enforces spec §4.3's max_output_tokens: when the filtered
// text would exceed the cap, the full text is written to a file under
// spillDir and the returned text is the head of the output plus a
// SpillMarker pointing at that file. maxTokens <= 0 disables the cap.
func ApplyTokenCap(text string, maxTokens int, spillDir string) (capped string, spillPath string, err error) {
	if maxTokens <= 0 {
		return text, "", nil
	}
	capChars := maxTokens * approxCharsPerToken
	if len(text) <= capChars {
		return text, "", nil
	}

	path, err := spill(text, spillDir)
	if err != nil {
		return text, "", err
	}
	approxTokens := len(text) / approxCharsPerToken
	head := text[:capChars]
	return head + SpillMarker(path, approxTokens), path, nil
}

// spill writes text to a content-addressed file under dir, named from a
// blake3 digest of its bytes, and returns the file's path. Reusing a
// correlation-ID-style hash keeps repeated truncation of the same output
// from scattering duplicate spill files across the workspace.
func spill(text string, dir string) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create spill directory: %w", err)
	}
	sum := blake3.Sum256([]byte(text))
	name := hex.EncodeToString(sum[:8]) + ".txt"
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(text), 0o644); err != nil {
		return "", fmt.Errorf("write spill file: %w", err)
	}
	return path, nil
}
