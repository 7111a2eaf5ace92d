// Package firmware finds the firmware images available for each printer model and compares
// their versions with the one running on the device.
//
// The catalog, firmware.properties, holds "key=value" lines mapping printer models to image files
// in the same folder:
//
//	firmware.beethefirst=BEEVC-BEETHEFIRST-10.5.23.BIN
package firmware

import (
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/spf13/viper"
)

const catalogFile = "firmware.properties"

// NoVersion is reported by devices with no usable firmware.
const NoVersion = "0.0.0"

type Image struct {
	Path    string
	Version string
}

// Catalog of firmware images.
type Catalog struct {
	dir string
	v   *viper.Viper
}

// Load reads the catalog from dir. A missing catalog is empty.
func Load(dir string) (*Catalog, error) {
	v := viper.New()
	v.SetConfigFile(filepath.Join(dir, catalogFile))
	v.SetConfigType("dotenv")
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("firmware: catalog: %w", err)
		}
	}
	return &Catalog{dir: dir, v: v}, nil
}

// modelKey maps a device model name to its catalog key, eg: "BEETHEFIRST+A" to
// "firmware.beethefirst_plus_a".
func modelKey(model string) string {
	key := strings.ToLower(model)
	key = strings.ReplaceAll(key, "+", "_plus_")
	key = strings.ReplaceAll(key, " ", "_")
	return "firmware." + strings.Trim(key, "_")
}

// Image returns the firmware image for the printer model.
func (c *Catalog) Image(model string) (Image, bool, error) {
	name := c.v.GetString(modelKey(model))
	if name == "" {
		return Image{}, false, nil
	}
	version, err := ImageVersion(name)
	if err != nil {
		return Image{}, false, err
	}
	return Image{Path: filepath.Join(c.dir, name), Version: version}, true, nil
}

// ImageVersion extracts the version from an image file name, eg: "10.5.23" from
// "BEEVC-BEETHEFIRST-10.5.23.BIN".
func ImageVersion(name string) (string, error) {
	fields := strings.Split(filepath.Base(name), "-")
	if len(fields) < 3 {
		return "", fmt.Errorf("firmware: bad image name: %q", name)
	}
	version := fields[2]
	if ext := filepath.Ext(version); strings.EqualFold(ext, ".bin") {
		version = strings.TrimSuffix(version, ext)
	}
	if _, err := parseVersion(version); err != nil {
		return "", fmt.Errorf("firmware: bad image name: %q: %w", name, err)
	}
	return version, nil
}

func parseVersion(version string) ([]int, error) {
	fields := strings.Split(strings.TrimSpace(version), ".")
	components := make([]int, 0, len(fields))
	for _, field := range fields {
		n, err := strconv.Atoi(field)
		if err != nil {
			return nil, fmt.Errorf("bad version %q: %w", version, err)
		}
		components = append(components, n)
	}
	return components, nil
}

// UpdateAvailable returns true when the device runs no firmware or any version component
// differs from the available image. Downgrades count as updates, so the device always runs
// the catalog version.
func UpdateAvailable(current, available string) bool {
	if current == "" || current == NoVersion {
		return true
	}
	c, err := parseVersion(current)
	if err != nil {
		return true
	}
	a, err := parseVersion(available)
	if err != nil {
		return false
	}
	if len(c) != len(a) {
		return true
	}
	for i := range c {
		if c[i] != a[i] {
			return true
		}
	}
	return false
}
