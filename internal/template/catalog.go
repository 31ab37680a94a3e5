package template

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// CatalogEntry overrides how one template is addressed on WhatsApp.
type CatalogEntry struct {
	// WhatsAppName is the approved template name in Business Manager when it
	// differs from the local name.
	WhatsAppName string `yaml:"whatsapp_name"`
	Language     string `yaml:"language"`
}

// Catalog maps local template names to their overrides.
type Catalog map[string]CatalogEntry

type catalogFile struct {
	Templates Catalog `yaml:"templates"`
}

// LoadCatalog reads a YAML catalog file:
//
//	templates:
//	  event_invitation:
//	    whatsapp_name: invitation_v2
//	    language: sw
func LoadCatalog(path string) (Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read template catalog: %w", err)
	}
	return ParseCatalog(data)
}

// ParseCatalog decodes catalog YAML and rejects entries for unknown templates.
func ParseCatalog(data []byte) (Catalog, error) {
	var f catalogFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse template catalog: %w", err)
	}
	for name := range f.Templates {
		if !Known(name) {
			return nil, fmt.Errorf("template catalog: %w: %q", ErrUnknownTemplate, name)
		}
	}
	return f.Templates, nil
}

func (c Catalog) entry(name string) CatalogEntry {
	if c == nil {
		return CatalogEntry{}
	}
	return c[name]
}
