package apktree

import (
	"encoding/xml"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

var ErrAmbiguousManifest = errors.New("apktree: zero or multiple launcher activities")

// manifest mirrors the parts of apktool's text AndroidManifest.xml the
// patcher needs.
type manifest struct {
	XMLName     xml.Name `xml:"manifest"`
	Package     string   `xml:"package,attr"`
	Application struct {
		Activities []activity `xml:"activity"`
		Aliases    []activity `xml:"activity-alias"`
	} `xml:"application"`
}

type activity struct {
	Name          string `xml:"name,attr"`
	TargetName    string `xml:"targetActivity,attr"`
	IntentFilters []struct {
		Actions []struct {
			Name string `xml:"name,attr"`
		} `xml:"action"`
		Categories []struct {
			Name string `xml:"name,attr"`
		} `xml:"category"`
	} `xml:"intent-filter"`
}

func loadManifest(root string) (*manifest, error) {
	path := filepath.Join(root, "AndroidManifest.xml")
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("apktree: read manifest: %w", err)
	}
	var m manifest
	if err := xml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("apktree: parse manifest: %w", err)
	}
	return &m, nil
}

// PackageID returns the package attribute of the manifest.
func PackageID(root string) (string, error) {
	m, err := loadManifest(root)
	if err != nil {
		return "", err
	}
	return m.Package, nil
}

// LauncherActivity returns the fully qualified class name of the single
// MAIN/LAUNCHER activity. A manifest with zero or more than one launcher is
// ambiguous and refused rather than silently resolved.
func LauncherActivity(root string) (string, error) {
	m, err := loadManifest(root)
	if err != nil {
		return "", err
	}

	var launchers []string
	consider := func(a activity) {
		for _, f := range a.IntentFilters {
			hasMain, hasLauncher := false, false
			for _, act := range f.Actions {
				if act.Name == "android.intent.action.MAIN" {
					hasMain = true
				}
			}
			for _, c := range f.Categories {
				if c.Name == "android.intent.category.LAUNCHER" {
					hasLauncher = true
				}
			}
			if hasMain && hasLauncher {
				name := a.Name
				if a.TargetName != "" {
					name = a.TargetName
				}
				launchers = append(launchers, qualify(m.Package, name))
				return
			}
		}
	}
	for _, a := range m.Application.Activities {
		consider(a)
	}
	for _, a := range m.Application.Aliases {
		consider(a)
	}

	if len(launchers) != 1 {
		return "", fmt.Errorf("%w: found %d", ErrAmbiguousManifest, len(launchers))
	}
	return launchers[0], nil
}

// qualify expands manifest shorthand (".Main") to a full class name.
func qualify(pkg, name string) string {
	if strings.HasPrefix(name, ".") {
		return pkg + name
	}
	return name
}
