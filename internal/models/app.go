package models

import "strings"

// App is an application package found on a disk. The ID is name plus version.
type App struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Version     string `json:"version"`
	Title       string `json:"title,omitempty"`
	Description string `json:"description,omitempty"`
	URL         string `json:"url,omitempty"`
	Category    string `json:"category,omitempty"`
	Icon        string `json:"icon,omitempty"`
	Author      string `json:"author,omitempty"`
}

// AppID composes an app ID from a name and version.
func AppID(name, version string) string {
	if version == "" {
		return name
	}
	return name + "-" + version
}

// SplitAppID splits an app ID at its last dash. IDs without a version
// component return an empty version.
func SplitAppID(id string) (name, version string) {
	i := strings.LastIndex(id, "-")
	if i <= 0 || i == len(id)-1 {
		return id, ""
	}
	return id[:i], id[i+1:]
}
