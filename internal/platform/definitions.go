package platform

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Definition describes a platform in selectors, for SelectorDriver.
type Definition struct {
	Name     string `yaml:"name"`
	LoginURL string `yaml:"login_url"`

	UsernameSelector string `yaml:"username_selector"`
	PasswordSelector string `yaml:"password_selector"`
	SubmitSelector   string `yaml:"submit_selector"`
	// LoggedInSelector only exists once the dashboard has rendered.
	LoggedInSelector string `yaml:"logged_in_selector"`
	// AuthErrorSelector matches the platform's "invalid credentials" banner.
	AuthErrorSelector string `yaml:"auth_error_selector"`
	// RateLimitText appears in the page when the platform throttles us.
	RateLimitText     string        `yaml:"rate_limit_text"`
	RateLimitCooldown time.Duration `yaml:"rate_limit_cooldown"`

	// LeadURL is a fmt template taking the lead's external id.
	LeadURL               string `yaml:"lead_url"`
	StatusSelector        string `yaml:"status_selector"`
	SaveSelector          string `yaml:"save_selector"`
	ConfirmationSelector  string `yaml:"confirmation_selector"`
	CurrentStatusSelector string `yaml:"current_status_selector"`
}

type definitionsFile struct {
	Platforms []Definition `yaml:"platforms"`
}

// LoadDefinitions reads platform definitions from a YAML file.
func LoadDefinitions(path string) ([]Definition, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read platforms file: %w", err)
	}
	return ParseDefinitions(b)
}

// ParseDefinitions decodes and validates platform definitions.
func ParseDefinitions(b []byte) ([]Definition, error) {
	var f definitionsFile
	if err := yaml.Unmarshal(b, &f); err != nil {
		return nil, fmt.Errorf("parse platforms: %w", err)
	}
	for i, d := range f.Platforms {
		if err := d.validate(); err != nil {
			return nil, fmt.Errorf("platform #%d: %w", i+1, err)
		}
		if d.RateLimitCooldown <= 0 {
			f.Platforms[i].RateLimitCooldown = 15 * time.Minute
		}
	}
	return f.Platforms, nil
}

func (d Definition) validate() error {
	switch {
	case d.Name == "":
		return fmt.Errorf("name is required")
	case d.LoginURL == "":
		return fmt.Errorf("%s: login_url is required", d.Name)
	case d.UsernameSelector == "" || d.PasswordSelector == "" || d.SubmitSelector == "":
		return fmt.Errorf("%s: login selectors are required", d.Name)
	case d.LoggedInSelector == "":
		return fmt.Errorf("%s: logged_in_selector is required", d.Name)
	case d.LeadURL == "" || d.StatusSelector == "" || d.SaveSelector == "":
		return fmt.Errorf("%s: lead_url, status_selector and save_selector are required", d.Name)
	}
	return nil
}

// RegisterDefinitions registers a SelectorDriver per definition.
func RegisterDefinitions(r *Registry, defs []Definition) error {
	for _, d := range defs {
		def := d
		if err := r.Register(def.Name, func(deps Deps) Driver { return NewSelectorDriver(def, deps) }); err != nil {
			return err
		}
	}
	return nil
}
