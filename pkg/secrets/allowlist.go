package secrets

import (
	"fmt"
	"os"
	"regexp"

	"github.com/BurntSushi/toml"
)

// Allowlist contains content regex patterns and stopwords to exclude
// from secret detection. Documents under merge have no file paths, so
// allowlisting is content-based only.
type Allowlist struct {
	// Regexes are content patterns whose matches are never reported.
	Regexes []string
	// Stopwords exclude any finding whose secret contains the word.
	Stopwords []string
}

// LoadAllowlist reads an allowlist TOML file. A missing file or an
// empty path yields an empty allowlist; an unreadable or invalid file
// is an error. Patterns are validated fail-fast so a bad pattern
// surfaces at startup, not mid-scan.
//
// Expected layout:
//
//	[allowlist]
//	regexes   = ["DEMO_API_KEY", "example\\.com"]
//	stopwords = ["fixture"]
func LoadAllowlist(path string) (*Allowlist, error) {
	if path == "" {
		return &Allowlist{}, nil
	}

	var file struct {
		Allowlist struct {
			Regexes   []string `toml:"regexes"`
			Stopwords []string `toml:"stopwords"`
		} `toml:"allowlist"`
	}

	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return &Allowlist{}, nil
		}
		return nil, fmt.Errorf("stat allowlist: %w", err)
	}

	if _, err := toml.DecodeFile(path, &file); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrInvalidTOML, path, err)
	}

	for _, pattern := range file.Allowlist.Regexes {
		if _, err := regexp.Compile(pattern); err != nil {
			return nil, fmt.Errorf("%w: pattern %q in %s: %v", ErrInvalidRegex, pattern, path, err)
		}
	}

	return &Allowlist{
		Regexes:   file.Allowlist.Regexes,
		Stopwords: file.Allowlist.Stopwords,
	}, nil
}
