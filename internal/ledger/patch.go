package ledger

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"github.com/sergi/go-diff/diffmatchpatch"
)

// ContentRef returns the sha256 hex digest used as a content reference
// in entries. Refs bound ledger storage: entries carry hashes and
// patches, never full content copies.
func ContentRef(content string) string {
	sum := sha256.Sum256([]byte(content))
	return hex.EncodeToString(sum[:])
}

// MakePatch returns the patch text transforming before into after.
func MakePatch(before, after string) string {
	dmp := diffmatchpatch.New()
	return dmp.PatchToText(dmp.PatchMake(before, after))
}

// ApplyPatch applies patch text to content. Every patch hunk must
// apply; a partial application is an error, never a silent result.
func ApplyPatch(content, patch string) (string, error) {
	if patch == "" {
		return content, nil
	}

	dmp := diffmatchpatch.New()
	patches, err := dmp.PatchFromText(patch)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrPatchFailed, err)
	}

	result, applied := dmp.PatchApply(patches, content)
	for i, ok := range applied {
		if !ok {
			return "", fmt.Errorf("%w: hunk %d of %d", ErrPatchFailed, i+1, len(applied))
		}
	}
	return result, nil
}
