package plugin

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/dquist/codesage/internal/log"
)

// PackagedPrefix is the naming convention for externally installed plugin
// packages.
const PackagedPrefix = "codesage-plugin-"

// Discovery walks the three plugin sources and produces the authoritative,
// override-resolved descriptor set for one process lifetime.
type Discovery struct {
	builtinDir    string
	localDir      string
	packagedRoots []string
	hostVersion   string
	logger        *log.Logger
}

// DiscoveryConfig configures a Discovery.
type DiscoveryConfig struct {
	// BuiltinDir holds plugins shipped with the host, one subdirectory per
	// plugin name, one subdirectory per version.
	BuiltinDir string

	// LocalDir is the user-local plugin directory. Created if absent.
	LocalDir string

	// PackagedRoots are candidate installation roots in priority order; the
	// first existing root is scanned for PackagedPrefix directories.
	PackagedRoots []string

	// HostVersion overrides the compiled-in host version for the
	// compatibility gate. Defaults to HostVersion.
	HostVersion string

	// Logger receives scan and override events. Defaults to log.NullLogger.
	Logger *log.Logger
}

// NewDiscovery creates a Discovery for the given sources.
func NewDiscovery(cfg DiscoveryConfig) *Discovery {
	if cfg.HostVersion == "" {
		cfg.HostVersion = HostVersion
	}
	if cfg.Logger == nil {
		cfg.Logger = log.NullLogger
	}
	return &Discovery{
		builtinDir:    cfg.BuiltinDir,
		localDir:      cfg.LocalDir,
		packagedRoots: cfg.PackagedRoots,
		hostVersion:   cfg.HostVersion,
		logger:        cfg.Logger.WithComponent("plugin.discovery"),
	}
}

// Discover scans all three sources in precedence order and returns the full
// descriptor list in merge order, including disabled and incompatible
// plugins. Malformed manifests are logged and skipped; a later source's
// descriptor for an existing name replaces the earlier one, recording the
// displaced install path.
func (d *Discovery) Discover() []*Descriptor {
	byName := make(map[string]*Descriptor)
	var order []string

	insert := func(desc *Descriptor) {
		name := desc.Name()
		if prev, exists := byName[name]; exists {
			desc.OverriddenPath = prev.InstallPath
			d.logger.Info("plugin %q from %s overrides %s", name, desc.InstallPath, prev.InstallPath)
			byName[name] = desc
			return
		}
		byName[name] = desc
		order = append(order, name)
	}

	for _, desc := range d.scanBuiltin() {
		insert(desc)
	}
	for _, desc := range d.scanLocal() {
		insert(desc)
	}
	for _, desc := range d.scanPackaged() {
		insert(desc)
	}

	descriptors := make([]*Descriptor, 0, len(order))
	for _, name := range order {
		desc := byName[name]
		d.applyCompatibilityGate(desc)
		descriptors = append(descriptors, desc)
	}
	return descriptors
}

// scanBuiltin reads the builtin root: one directory per plugin name, one
// directory per version, the highest version wins. Only manifests carrying
// the builtin flag are accepted from this source.
func (d *Discovery) scanBuiltin() []*Descriptor {
	if d.builtinDir == "" {
		return nil
	}
	entries, err := os.ReadDir(d.builtinDir)
	if err != nil {
		if !os.IsNotExist(err) {
			d.logger.Warn("cannot read builtin plugin dir %s: %v", d.builtinDir, err)
		}
		return nil
	}

	var descriptors []*Descriptor
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		nameDir := filepath.Join(d.builtinDir, entry.Name())
		versionDir := d.pickVersionDir(nameDir)
		if versionDir == "" {
			continue
		}

		manifest, err := LoadManifestFromDir(versionDir)
		if err != nil {
			d.logger.Warn("skipping builtin plugin at %s: %v", versionDir, err)
			continue
		}
		if !manifest.Builtin {
			d.logger.Warn("skipping %s: manifest in builtin dir lacks builtin flag", versionDir)
			continue
		}

		descriptors = append(descriptors, &Descriptor{
			Manifest:    manifest,
			Origin:      OriginBuiltin,
			InstallPath: versionDir,
			Enabled:     true,
		})
	}
	return descriptors
}

// pickVersionDir selects the highest version subdirectory of a builtin
// plugin's name directory.
func (d *Discovery) pickVersionDir(nameDir string) string {
	entries, err := os.ReadDir(nameDir)
	if err != nil {
		return ""
	}

	best := ""
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		if best == "" || compareVersions(entry.Name(), best) > 0 {
			best = entry.Name()
		}
	}
	if best == "" {
		return ""
	}
	return filepath.Join(nameDir, best)
}

// scanLocal reads the user-local plugin directory, creating it if absent.
func (d *Discovery) scanLocal() []*Descriptor {
	if d.localDir == "" {
		return nil
	}
	if err := os.MkdirAll(d.localDir, 0755); err != nil {
		d.logger.Warn("cannot create local plugin dir %s: %v", d.localDir, err)
		return nil
	}
	return d.scanFlat(d.localDir, OriginLocal, "")
}

// scanPackaged scans the first existing packaged root for directories
// matching the package naming convention.
func (d *Discovery) scanPackaged() []*Descriptor {
	for _, root := range d.packagedRoots {
		if stat, err := os.Stat(root); err != nil || !stat.IsDir() {
			continue
		}
		return d.scanFlat(root, OriginPackaged, PackagedPrefix)
	}
	return nil
}

// scanFlat reads one directory per plugin from dir, optionally requiring a
// directory-name prefix.
func (d *Discovery) scanFlat(dir string, origin Origin, prefix string) []*Descriptor {
	entries, err := os.ReadDir(dir)
	if err != nil {
		d.logger.Warn("cannot read plugin dir %s: %v", dir, err)
		return nil
	}

	var descriptors []*Descriptor
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		if prefix != "" && !strings.HasPrefix(entry.Name(), prefix) {
			continue
		}

		installPath := filepath.Join(dir, entry.Name())
		manifest, err := LoadManifestFromDir(installPath)
		if err != nil {
			d.logger.Warn("skipping plugin at %s: %v", installPath, err)
			continue
		}

		descriptors = append(descriptors, &Descriptor{
			Manifest:    manifest,
			Origin:      origin,
			InstallPath: installPath,
			Enabled:     true,
		})
	}
	return descriptors
}

// applyCompatibilityGate soft-disables plugins whose declared host version
// bounds exclude the current host. Never an error.
func (d *Discovery) applyCompatibilityGate(desc *Descriptor) {
	compat := desc.Manifest.Compatibility
	if compat == nil {
		return
	}

	if compat.MinHostVersion != "" && compareVersions(d.hostVersion, compat.MinHostVersion) < 0 {
		desc.Enabled = false
		desc.IncompatibilityReason = fmt.Sprintf(
			"requires host version >= %s, current is %s", compat.MinHostVersion, d.hostVersion)
		d.logger.Info("plugin %q disabled: %s", desc.Name(), desc.IncompatibilityReason)
		return
	}
	if compat.MaxHostVersion != "" && compareVersions(d.hostVersion, compat.MaxHostVersion) > 0 {
		desc.Enabled = false
		desc.IncompatibilityReason = fmt.Sprintf(
			"requires host version <= %s, current is %s", compat.MaxHostVersion, d.hostVersion)
		d.logger.Info("plugin %q disabled: %s", desc.Name(), desc.IncompatibilityReason)
	}
}
