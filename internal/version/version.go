package version

import "runtime/debug"

// AppName is the service name used in logs, metrics and traces.
const AppName = "imoveis-web"

// set via -ldflags at release time
var (
	Version    = "dev"
	Commit     = "none"
	CommitDate string
	BuildDate  string
	BuildId    string
	GoVersion  string
	VCSDirty   *bool
)

type Info struct {
	AppName    string `json:"app_name"`
	Version    string `json:"version"`
	Commit     string `json:"commit"`
	CommitDate string `json:"commit_date"`
	BuildDate  string `json:"build_date"`
	BuildId    string `json:"build_id"`
	GoVersion  string `json:"go_version"`
	VCSDirty   *bool  `json:"vcs_dirty,omitempty"`
}

// Get merges ldflags values with whatever the toolchain embedded in the binary.
// ldflags win when set.
func Get() Info {
	out := Info{
		AppName:    AppName,
		Version:    Version,
		Commit:     Commit,
		CommitDate: CommitDate,
		BuildDate:  BuildDate,
		BuildId:    BuildId,
		GoVersion:  GoVersion,
		VCSDirty:   VCSDirty,
	}

	bi, ok := debug.ReadBuildInfo()
	if !ok {
		return out
	}
	out.GoVersion = bi.GoVersion

	var dirty *bool
	for _, s := range bi.Settings {
		switch s.Key {
		case "vcs.revision":
			if out.Commit == "none" && s.Value != "" {
				out.Commit = s.Value
			}
		case "vcs.time":
			if out.BuildDate == "" && s.Value != "" {
				out.BuildDate = s.Value
			}
			if out.CommitDate == "" {
				out.CommitDate = s.Value
			}
		case "vcs.modified":
			b := s.Value == "true"
			dirty = &b
		}
	}
	if dirty != nil && out.VCSDirty == nil {
		out.VCSDirty = dirty
	}
	return out
}

// IsRelease reports whether the binary was stamped by the release pipeline.
func (i Info) IsRelease() bool {
	return i.Version != "" && i.Version != "dev" && i.BuildId != ""
}

// Dirty renders the tri-state VCS flag for labels.
func (i Info) Dirty() string {
	if i.VCSDirty == nil {
		return "unknown"
	}
	if *i.VCSDirty {
		return "true"
	}
	return "false"
}
