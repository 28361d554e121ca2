package config

import (
	"os"
	"path/filepath"
)

type Detection struct {
	Language string
	Commands []string
	Excludes []string
}

// Detect inspects the project directory and suggests test commands and
// extra snapshot excludes for `sp init`.
func Detect(projectDir string) Detection {
	checks := []struct {
		file     string
		language string
		commands []string
		excludes []string
	}{
		{"go.mod", "go", []string{"go vet ./...", "go test ./..."}, nil},
		{"Cargo.toml", "rust", []string{"cargo test"}, []string{"target"}},
		{"package.json", "node", []string{"npm ci", "npm test"}, []string{"dist"}},
		{"pyproject.toml", "python", []string{"pip install -e .", "python -m pytest"}, []string{"dist", "*.egg-info"}},
		{"requirements.txt", "python", []string{"pip install -r requirements.txt", "python -m pytest"}, nil},
		{"flake.nix", "nix", []string{"nix flake check"}, nil},
		{"Makefile", "make", []string{"make test"}, nil},
	}

	for _, c := range checks {
		if _, err := os.Stat(filepath.Join(projectDir, c.file)); err == nil {
			return Detection{
				Language: c.language,
				Commands: c.commands,
				Excludes: c.excludes,
			}
		}
	}

	return Detection{
		Language: "unknown",
		Commands: []string{"echo 'configure commands in .slotpool/config.yaml'"},
	}
}
