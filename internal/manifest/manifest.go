// Package manifest reads and writes the compose manifests stored on disks.
//
// A disk carries apps under apps/<appId>/compose.yaml and instances under
// instances/<instanceId>/compose.yaml. App metadata lives in the x-app
// extension and instance metadata in x-instance; everything else is plain
// compose and is preserved when a manifest is rewritten.
package manifest

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"gopkg.in/yaml.v3"

	"github.com/narvanalabs/fleet-engine/internal/models"
)

// FileName is the manifest file inside an app or instance folder.
const FileName = "compose.yaml"

// Folder names on a disk.
const (
	AppsDir      = "apps"
	InstancesDir = "instances"
)

// ErrNoManifest is returned when a folder has no compose file.
var ErrNoManifest = errors.New("no manifest")

// Compose is a compose file with fleet extensions.
type Compose struct {
	Name     string             `yaml:"name,omitempty"`
	Services map[string]Service `yaml:"services"`
	App      *AppMeta           `yaml:"x-app,omitempty"`
	Instance *InstanceMeta      `yaml:"x-instance,omitempty"`
	Extra    map[string]any     `yaml:",inline"`
}

// Service is one compose service. Only the image is interpreted.
type Service struct {
	Image string         `yaml:"image,omitempty"`
	Extra map[string]any `yaml:",inline"`
}

// AppMeta is the x-app extension.
type AppMeta struct {
	Name        string `yaml:"name"`
	Version     string `yaml:"version"`
	Title       string `yaml:"title,omitempty"`
	Description string `yaml:"description,omitempty"`
	URL         string `yaml:"url,omitempty"`
	Category    string `yaml:"category,omitempty"`
	Icon        string `yaml:"icon,omitempty"`
	Author      string `yaml:"author,omitempty"`
}

// InstanceMeta is the x-instance extension.
type InstanceMeta struct {
	Name          string `yaml:"name,omitempty"`
	InstanceOf    string `yaml:"instanceOf"`
	Created       int64  `yaml:"created,omitempty"`
	LastBackedUp  int64  `yaml:"lastBackedUp,omitempty"`
	BackUpEnabled bool   `yaml:"backUpEnabled,omitempty"`
}

// Load reads the manifest in folder.
func Load(folder string) (*Compose, error) {
	data, err := os.ReadFile(filepath.Join(folder, FileName))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%s: %w", folder, ErrNoManifest)
		}
		return nil, fmt.Errorf("reading manifest: %w", err)
	}
	return Parse(data)
}

// Parse decodes a manifest.
func Parse(data []byte) (*Compose, error) {
	var c Compose
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("parsing manifest: %w", err)
	}
	return &c, nil
}

// Save writes the manifest into folder, creating it if needed.
func (c *Compose) Save(folder string) error {
	if err := os.MkdirAll(folder, 0o755); err != nil {
		return fmt.Errorf("creating %s: %w", folder, err)
	}
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("encoding manifest: %w", err)
	}
	if err := os.WriteFile(filepath.Join(folder, FileName), data, 0o644); err != nil {
		return fmt.Errorf("writing manifest: %w", err)
	}
	return nil
}

// Images returns the distinct service images in sorted order.
func (c *Compose) Images() []string {
	seen := make(map[string]bool)
	var images []string
	for _, svc := range c.Services {
		if svc.Image == "" || seen[svc.Image] {
			continue
		}
		seen[svc.Image] = true
		images = append(images, svc.Image)
	}
	sort.Strings(images)
	return images
}

// AppRecord builds the App record described by the manifest of folder appID.
// The folder name is the app ID; x-app supplies name, version and metadata.
func (c *Compose) AppRecord(appID string) *models.App {
	name, version := models.SplitAppID(appID)
	app := &models.App{ID: appID, Name: name, Version: version}
	if m := c.App; m != nil {
		if m.Name != "" {
			app.Name = m.Name
		}
		if m.Version != "" {
			app.Version = m.Version
		}
		app.Title = m.Title
		app.Description = m.Description
		app.URL = m.URL
		app.Category = m.Category
		app.Icon = m.Icon
		app.Author = m.Author
	}
	return app
}

// InstanceRecord builds the Instance record described by the manifest of
// folder instanceID stored on diskID.
func (c *Compose) InstanceRecord(instanceID, diskID string) *models.Instance {
	inst := &models.Instance{
		ID:            instanceID,
		Name:          instanceID,
		StoredOn:      diskID,
		Status:        models.InstanceStatusInitializing,
		ServiceImages: c.Images(),
	}
	if m := c.Instance; m != nil {
		inst.InstanceOf = m.InstanceOf
		if m.Name != "" {
			inst.Name = m.Name
		}
		inst.Created = m.Created
		inst.LastBackedUp = m.LastBackedUp
		inst.BackUpEnabled = m.BackUpEnabled
	}
	return inst
}

// ForInstance returns a copy of an app manifest describing a new instance of it.
func (c *Compose) ForInstance(appID, name string, created int64) *Compose {
	data, _ := yaml.Marshal(c)
	var cp Compose
	_ = yaml.Unmarshal(data, &cp)
	cp.App = nil
	cp.Name = name
	cp.Instance = &InstanceMeta{Name: name, InstanceOf: appID, Created: created}
	return &cp
}

// ListFolders returns the names of sub-folders of dir in sorted order. A
// missing dir has no folders.
func ListFolders(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("listing %s: %w", dir, err)
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() && e.Name()[0] != '.' {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	return names, nil
}

// AppFolder returns the folder of an app on a disk mounted at root.
func AppFolder(root, appID string) string {
	return filepath.Join(root, AppsDir, appID)
}

// InstanceFolder returns the folder of an instance on a disk mounted at root.
func InstanceFolder(root, instanceID string) string {
	return filepath.Join(root, InstancesDir, instanceID)
}
