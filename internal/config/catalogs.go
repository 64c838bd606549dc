package config

import (
	"fmt"
	"os"
	"path/filepath"

	"caebridge/internal/persist"
)

// Company is a catalog entry from org.json.
type Company struct {
	Key  string `json:"key"`
	Name string `json:"name"`
	CIF  string `json:"cif,omitempty"`
}

// Person is a catalog entry from people.json.
type Person struct {
	Key        string `json:"key"`
	GivenName  string `json:"given_name"`
	Surname    string `json:"surname"`
	DNI        string `json:"dni"`
	CompanyKey string `json:"company_key"`
}

// FullName returns "Surname, GivenName" as portals usually render it.
func (p Person) FullName() string {
	return fmt.Sprintf("%s, %s", p.Surname, p.GivenName)
}

// Platform describes a CAE portal and its login form.
type Platform struct {
	Key            string        `json:"key"`
	Name           string        `json:"name"`
	BaseURL        string        `json:"base_url"`
	LoginURL       string        `json:"login_url"`
	AllowedDomains []string      `json:"allowed_domains"`
	Login          LoginSelector `json:"login"`
	CoordLabels    []string      `json:"coord_labels,omitempty"`
}

// LoginSelector is the declarative login form contract.
type LoginSelector struct {
	UserField     string `json:"user_field"`
	PasswordField string `json:"password_field"`
	SubmitButton  string `json:"submit_button"`
	// AuthenticatedProbe is a selector present only when logged in.
	AuthenticatedProbe string `json:"authenticated_probe"`
}

// Credential pairs a platform with a login. Held in memory only.
type Credential struct {
	PlatformKey string `json:"platform_key"`
	Username    string `json:"username"`
	Password    string `json:"password"`
}

// String hides the password from accidental formatting.
func (c Credential) String() string {
	return fmt.Sprintf("Credential{platform=%s user=%s}", c.PlatformKey, c.Username)
}

// Catalogs bundles the read-only inputs the core consumes.
type Catalogs struct {
	Companies []Company
	People    []Person
	Platforms []Platform

	secrets map[string]Credential
}

// LoadCatalogs reads org.json, people.json, platforms.json and secrets.json
// from dir. Missing files yield empty catalogs; a malformed file is an error.
func LoadCatalogs(dir string) (*Catalogs, error) {
	c := &Catalogs{secrets: make(map[string]Credential)}

	if err := loadOptional(filepath.Join(dir, "org.json"), &c.Companies); err != nil {
		return nil, err
	}
	if err := loadOptional(filepath.Join(dir, "people.json"), &c.People); err != nil {
		return nil, err
	}
	if err := loadOptional(filepath.Join(dir, "platforms.json"), &c.Platforms); err != nil {
		return nil, err
	}

	var creds []Credential
	if err := loadOptional(filepath.Join(dir, "secrets.json"), &creds); err != nil {
		return nil, err
	}
	for _, cred := range creds {
		c.secrets[cred.PlatformKey] = cred
	}
	return c, nil
}

func loadOptional(path string, v any) error {
	if err := persist.LoadJSON(path, v); err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("load %s: %w", path, err)
	}
	return nil
}

// PlatformByKey looks up a portal definition.
func (c *Catalogs) PlatformByKey(key string) (Platform, bool) {
	for _, p := range c.Platforms {
		if p.Key == key {
			return p, true
		}
	}
	return Platform{}, false
}

// PersonByKey looks up a person.
func (c *Catalogs) PersonByKey(key string) (Person, bool) {
	for _, p := range c.People {
		if p.Key == key {
			return p, true
		}
	}
	return Person{}, false
}

// CompanyByKey looks up a company.
func (c *Catalogs) CompanyByKey(key string) (Company, bool) {
	for _, co := range c.Companies {
		if co.Key == key {
			return co, true
		}
	}
	return Company{}, false
}

// SetCredential installs or replaces a platform credential in memory.
func (c *Catalogs) SetCredential(cred Credential) {
	if c.secrets == nil {
		c.secrets = make(map[string]Credential)
	}
	c.secrets[cred.PlatformKey] = cred
}

// CredentialFor returns the in-memory credential for a platform.
func (c *Catalogs) CredentialFor(platformKey string) (Credential, bool) {
	cred, ok := c.secrets[platformKey]
	return cred, ok
}
