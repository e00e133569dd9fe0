package search

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// Profile is a named, reusable crawl definition loaded from YAML.
type Profile struct {
	Name        string        `yaml:"name" validate:"required,max=64"`
	Description string        `yaml:"description,omitempty"`
	Enabled     bool          `yaml:"enabled"`
	MaxItems    int           `yaml:"max_items" validate:"gte=0"`
	Filters     FilterOptions `yaml:"filters"`
}

// DefaultProfile returns a Profile with defaults applied.
func DefaultProfile() Profile {
	return Profile{
		Enabled: true,
		Filters: FilterOptions{
			Sort:        "date",
			CountryCode: "US",
			IncludeTBA:  "yes",
			IncludeTBD:  "yes",
		},
	}
}

// ValidateProfile reports every problem in p at once.
func ValidateProfile(p Profile) error {
	var errs []string

	if err := validate.Struct(p); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			for _, fe := range verrs {
				errs = append(errs, fmt.Sprintf("%s: failed %q", fieldPath(fe.Namespace()), fe.Tag()))
			}
		} else {
			errs = append(errs, err.Error())
		}
	}

	if _, err := CompileDateFilter(p.Filters.DateOptions(), time.Now()); err != nil {
		errs = append(errs, err.Error())
	}

	if len(errs) > 0 {
		return errors.New(strings.Join(errs, "; "))
	}
	return nil
}

func fieldPath(ns string) string {
	if i := strings.Index(ns, "."); i >= 0 {
		return ns[i+1:]
	}
	return ns
}

// LoadProfiles reads every *.yaml file in dir (skipping names starting with
// "_"). Invalid profiles are reported together; the valid ones are still
// returned. A missing directory yields no profiles and no error.
func LoadProfiles(dir string) ([]Profile, error) {
	if _, err := os.Stat(dir); os.IsNotExist(err) {
		return []Profile{}, nil
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("reading profile dir %s: %w", dir, err)
	}

	var profiles []Profile
	var invalid []string
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || strings.HasPrefix(name, "_") {
			continue
		}
		if ext := filepath.Ext(name); ext != ".yaml" && ext != ".yml" {
			continue
		}

		path := filepath.Join(dir, name)
		p, err := loadProfileFile(path)
		if err != nil {
			return nil, fmt.Errorf("loading %s: %w", path, err)
		}
		if err := ValidateProfile(p); err != nil {
			invalid = append(invalid, fmt.Sprintf("%s: %s", path, err))
			continue
		}
		profiles = append(profiles, p)
	}

	if len(invalid) > 0 {
		return profiles, fmt.Errorf("invalid crawl profiles:\n  %s", strings.Join(invalid, "\n  "))
	}
	return profiles, nil
}

// FindProfile loads dir and returns the profile called name.
func FindProfile(dir, name string) (Profile, error) {
	profiles, err := LoadProfiles(dir)
	if err != nil {
		return Profile{}, err
	}
	for _, p := range profiles {
		if p.Name == name {
			return p, nil
		}
	}
	return Profile{}, fmt.Errorf("crawl profile %q not found in %s", name, dir)
}

func loadProfileFile(path string) (Profile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Profile{}, err
	}
	p := DefaultProfile()
	if err := yaml.Unmarshal(data, &p); err != nil {
		return Profile{}, fmt.Errorf("parsing YAML: %w", err)
	}
	return p, nil
}
