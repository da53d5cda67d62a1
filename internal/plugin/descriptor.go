package plugin

// Origin identifies which discovery source produced a descriptor.
type Origin string

// Discovery sources, in precedence order. A later source's descriptor for
// the same name replaces an earlier one.
const (
	OriginBuiltin  Origin = "builtin"
	OriginLocal    Origin = "local"
	OriginPackaged Origin = "packaged"
)

// Descriptor is the discovered-but-not-necessarily-loaded record of a
// plugin's identity, location, and status. Discovery sets the origin and
// override fields; the Registry mutates the load-state fields.
type Descriptor struct {
	// Manifest is the plugin's declared identity. Immutable.
	Manifest *Manifest

	// Origin is the discovery source that produced this descriptor.
	Origin Origin

	// InstallPath is the plugin directory containing manifest and entry point.
	InstallPath string

	// Enabled is false when the compatibility gate rejected the plugin.
	Enabled bool

	// Loaded is true while a corresponding LoadedPlugin exists.
	Loaded bool

	// LastError records the most recent load failure, if any.
	LastError string

	// OverriddenPath is the install path of the descriptor this one replaced
	// during the discovery merge, if any.
	OverriddenPath string

	// IncompatibilityReason explains why the compatibility gate disabled the
	// plugin. Empty for compatible plugins.
	IncompatibilityReason string
}

// Name returns the plugin name from the manifest.
func (d *Descriptor) Name() string {
	if d.Manifest == nil {
		return ""
	}
	return d.Manifest.Name
}

// Status returns a short human-readable state for reporting.
func (d *Descriptor) Status() string {
	switch {
	case d.IncompatibilityReason != "":
		return "incompatible"
	case !d.Enabled:
		return "disabled"
	case d.Loaded:
		return "loaded"
	case d.LastError != "":
		return "error"
	default:
		return "discovered"
	}
}
