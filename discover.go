package kobold

import (
	"encoding/json"
	"encoding/xml"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/bmatcuk/doublestar/v4"
)

// ProjectType identifies the ecosystem of a discovered workspace.
type ProjectType string

const (
	ProjectDotnetSolution ProjectType = "dotnet-solution"
	ProjectCodeWorkspace  ProjectType = "code-workspace"
	ProjectNodeWorkspace  ProjectType = "node-workspace"
	ProjectGoWorkspace    ProjectType = "go-workspace"
	ProjectCargoWorkspace ProjectType = "cargo-workspace"
	ProjectMavenMultimodule ProjectType = "maven-multimodule"
	ProjectTypescriptRefs ProjectType = "typescript-references"
	ProjectDotnetProject  ProjectType = "dotnet-project"
	ProjectUnknown        ProjectType = "unknown"
)

// ProjectReference is one project pointed at by a workspace's build files.
type ProjectReference struct {
	Path       string // absolute path to the referenced project file or dir
	Name       string
	IsExternal bool // not a descendant of the discovery root
}

// DiscoveryResult is the outcome of scanning one workspace root.
type DiscoveryResult struct {
	References          []ProjectReference
	ExternalDirectories []string
	PrimaryProjectFile  string // empty when nothing recognized
	ProjectType         ProjectType
}

// ReferenceDiscoverer bootstraps a project's allowed-path set from whatever
// build files its workspace carries.
type ReferenceDiscoverer struct {
	logger *slog.Logger
}

// NewReferenceDiscoverer creates a discoverer. A nil logger discards.
func NewReferenceDiscoverer(logger *slog.Logger) *ReferenceDiscoverer {
	if logger == nil {
		logger = nopLogger
	}
	return &ReferenceDiscoverer{logger: logger}
}

// primaryCandidate describes one slot in the build-file priority order.
type primaryCandidate struct {
	glob     string
	kind     ProjectType
	// accept may reject a matching file (e.g. package.json without
	// workspaces). Nil accepts unconditionally.
	accept func(path string) bool
}

// DiscoverReferences locates the workspace's primary build file by priority,
// parses it, and returns the referenced projects with externals flagged.
// Parsing is best-effort: a broken file yields an empty reference list for
// that file, never an error. A root with no recognized build file returns an
// empty result with ProjectUnknown.
func (d *ReferenceDiscoverer) DiscoverReferences(rootPath string) (*DiscoveryResult, error) {
	root, err := filepath.Abs(rootPath)
	if err != nil {
		return nil, &ErrConfig{Field: "rootPath", Reason: err.Error()}
	}

	candidates := []primaryCandidate{
		{glob: "*.sln", kind: ProjectDotnetSolution},
		{glob: "*.slnx", kind: ProjectDotnetSolution},
		{glob: "*.code-workspace", kind: ProjectCodeWorkspace},
		{glob: "package.json", kind: ProjectNodeWorkspace, accept: declaresNodeWorkspaces},
		{glob: "go.work", kind: ProjectGoWorkspace},
		{glob: "Cargo.toml", kind: ProjectCargoWorkspace, accept: declaresCargoWorkspace},
		{glob: "pom.xml", kind: ProjectMavenMultimodule, accept: declaresMavenModules},
		{glob: "tsconfig.json", kind: ProjectTypescriptRefs, accept: declaresTsReferences},
		{glob: "*.csproj", kind: ProjectDotnetProject},
		{glob: "*.fsproj", kind: ProjectDotnetProject},
	}

	var primary string
	var kind ProjectType
	for _, c := range candidates {
		matches, _ := filepath.Glob(filepath.Join(root, c.glob))
		sort.Strings(matches)
		for _, m := range matches {
			if c.accept != nil && !c.accept(m) {
				continue
			}
			primary = m
			kind = c.kind
			break
		}
		if primary != "" {
			break
		}
	}
	if primary == "" {
		return &DiscoveryResult{ProjectType: ProjectUnknown}, nil
	}

	refs := d.parseByKind(primary, kind)

	// Solution-style files list project files; each existing one gets its
	// own inner references pulled in, one level deep.
	if kind == ProjectDotnetSolution || kind == ProjectDotnetProject {
		var inner []ProjectReference
		for _, r := range refs {
			if _, err := os.Stat(r.Path); err != nil {
				continue
			}
			inner = append(inner, d.parseMSBuildProject(r.Path)...)
		}
		refs = append(refs, inner...)
	}

	seen := make(map[string]bool)
	var deduped []ProjectReference
	extSet := make(map[string]bool)
	for _, r := range refs {
		if seen[r.Path] {
			continue
		}
		seen[r.Path] = true
		r.IsExternal = !isDescendant(root, r.Path)
		if r.IsExternal {
			dir := r.Path
			if info, err := os.Stat(dir); err != nil || !info.IsDir() {
				dir = filepath.Dir(dir)
			}
			extSet[dir] = true
		}
		deduped = append(deduped, r)
	}
	externals := make([]string, 0, len(extSet))
	for dir := range extSet {
		externals = append(externals, dir)
	}
	sort.Strings(externals)

	d.logger.Info("references discovered",
		"root", root, "primary", filepath.Base(primary), "type", string(kind),
		"references", len(deduped), "externals", len(externals))
	return &DiscoveryResult{
		References:          deduped,
		ExternalDirectories: externals,
		PrimaryProjectFile:  primary,
		ProjectType:         kind,
	}, nil
}

func (d *ReferenceDiscoverer) parseByKind(path string, kind ProjectType) []ProjectReference {
	switch kind {
	case ProjectDotnetSolution:
		if strings.HasSuffix(path, ".slnx") {
			return d.parseSlnx(path)
		}
		return d.parseSln(path)
	case ProjectCodeWorkspace:
		return d.parseCodeWorkspace(path)
	case ProjectNodeWorkspace:
		return d.parseNodeWorkspaces(path)
	case ProjectGoWorkspace:
		return d.parseGoWork(path)
	case ProjectCargoWorkspace:
		return d.parseCargoWorkspace(path)
	case ProjectMavenMultimodule:
		return d.parseMavenModules(path)
	case ProjectTypescriptRefs:
		return d.parseTsReferences(path)
	case ProjectDotnetProject:
		return d.parseMSBuildProject(path)
	}
	return nil
}

// isDescendant reports whether path sits at or under root.
func isDescendant(root, path string) bool {
	rel, err := filepath.Rel(root, path)
	if err != nil {
		return false
	}
	return rel == "." || (!strings.HasPrefix(rel, "..") && !filepath.IsAbs(rel))
}

// resolveRef makes a reference path absolute against the build file's
// directory, normalizing Windows separators used by .NET files.
func resolveRef(buildFile, ref string) string {
	ref = strings.ReplaceAll(ref, `\`, "/")
	if filepath.IsAbs(ref) {
		return filepath.Clean(ref)
	}
	return filepath.Clean(filepath.Join(filepath.Dir(buildFile), ref))
}

// --- acceptance probes ---

func declaresNodeWorkspaces(path string) bool {
	var pkg struct {
		Workspaces json.RawMessage `json:"workspaces"`
	}
	if !decodeJSONFile(path, &pkg) {
		return false
	}
	return len(pkg.Workspaces) > 0 && string(pkg.Workspaces) != "null"
}

func declaresCargoWorkspace(path string) bool {
	var manifest struct {
		Workspace *struct{} `toml:"workspace"`
	}
	if _, err := toml.DecodeFile(path, &manifest); err != nil {
		return false
	}
	return manifest.Workspace != nil
}

func declaresMavenModules(path string) bool {
	var pom struct {
		Modules struct {
			Module []string `xml:"module"`
		} `xml:"modules"`
	}
	if !decodeXMLFile(path, &pom) {
		return false
	}
	return len(pom.Modules.Module) > 0
}

func declaresTsReferences(path string) bool {
	var cfg struct {
		References []struct {
			Path string `json:"path"`
		} `json:"references"`
	}
	if !decodeJSONFile(path, &cfg) {
		return false
	}
	return len(cfg.References) > 0
}

// --- per-format extractors ---

// slnProjectRe matches Project("{guid}") = "Name", "rel\path.csproj", "{guid}"
var slnProjectRe = regexp.MustCompile(`(?m)^Project\("\{[^}]+\}"\)\s*=\s*"([^"]+)",\s*"([^"]+)"`)

func (d *ReferenceDiscoverer) parseSln(path string) []ProjectReference {
	data, err := os.ReadFile(path)
	if err != nil {
		d.logger.Warn("build file unreadable", "path", path, "error", err)
		return nil
	}
	var refs []ProjectReference
	for _, m := range slnProjectRe.FindAllStringSubmatch(string(data), -1) {
		rel := m[2]
		// Solution folders list themselves without an extension.
		if !strings.Contains(rel, ".") {
			continue
		}
		refs = append(refs, ProjectReference{
			Path: resolveRef(path, rel),
			Name: m[1],
		})
	}
	return refs
}

func (d *ReferenceDiscoverer) parseSlnx(path string) []ProjectReference {
	var sln struct {
		Projects []struct {
			Path string `xml:"Path,attr"`
		} `xml:"Project"`
		Folders []struct {
			Projects []struct {
				Path string `xml:"Path,attr"`
			} `xml:"Project"`
		} `xml:"Folder"`
	}
	if !decodeXMLFile(path, &sln) {
		d.logger.Warn("build file unreadable", "path", path)
		return nil
	}
	var refs []ProjectReference
	add := func(p string) {
		if p == "" {
			return
		}
		abs := resolveRef(path, p)
		refs = append(refs, ProjectReference{
			Path: abs,
			Name: strings.TrimSuffix(filepath.Base(abs), filepath.Ext(abs)),
		})
	}
	for _, p := range sln.Projects {
		add(p.Path)
	}
	for _, f := range sln.Folders {
		for _, p := range f.Projects {
			add(p.Path)
		}
	}
	return refs
}

func (d *ReferenceDiscoverer) parseCodeWorkspace(path string) []ProjectReference {
	var ws struct {
		Folders []struct {
			Path string `json:"path"`
			Name string `json:"name"`
		} `json:"folders"`
	}
	if !decodeJSONFile(path, &ws) {
		d.logger.Warn("build file unreadable", "path", path)
		return nil
	}
	var refs []ProjectReference
	for _, f := range ws.Folders {
		if f.Path == "" {
			continue
		}
		abs := resolveRef(path, f.Path)
		name := f.Name
		if name == "" {
			name = filepath.Base(abs)
		}
		refs = append(refs, ProjectReference{Path: abs, Name: name})
	}
	return refs
}

func (d *ReferenceDiscoverer) parseNodeWorkspaces(path string) []ProjectReference {
	var pkg struct {
		Workspaces json.RawMessage `json:"workspaces"`
	}
	if !decodeJSONFile(path, &pkg) {
		d.logger.Warn("build file unreadable", "path", path)
		return nil
	}
	var patterns []string
	if err := json.Unmarshal(pkg.Workspaces, &patterns); err != nil {
		// Yarn's object form: { "packages": [...] }
		var obj struct {
			Packages []string `json:"packages"`
		}
		if err := json.Unmarshal(pkg.Workspaces, &obj); err != nil {
			return nil
		}
		patterns = obj.Packages
	}
	return d.expandWorkspaceGlobs(path, patterns, "package.json")
}

func (d *ReferenceDiscoverer) parseGoWork(path string) []ProjectReference {
	data, err := os.ReadFile(path)
	if err != nil {
		d.logger.Warn("build file unreadable", "path", path, "error", err)
		return nil
	}
	var refs []ProjectReference
	inUse := false
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if i := strings.Index(line, "//"); i >= 0 {
			line = strings.TrimSpace(line[:i])
		}
		switch {
		case line == "":
			continue
		case strings.HasPrefix(line, "use ("):
			inUse = true
		case inUse && line == ")":
			inUse = false
		case inUse:
			refs = append(refs, goWorkRef(path, line))
		case strings.HasPrefix(line, "use "):
			refs = append(refs, goWorkRef(path, strings.TrimSpace(strings.TrimPrefix(line, "use "))))
		}
	}
	return refs
}

func goWorkRef(workFile, dir string) ProjectReference {
	dir = strings.Trim(dir, `"`)
	abs := resolveRef(workFile, dir)
	return ProjectReference{Path: abs, Name: filepath.Base(abs)}
}

func (d *ReferenceDiscoverer) parseCargoWorkspace(path string) []ProjectReference {
	var manifest struct {
		Workspace struct {
			Members []string `toml:"members"`
			Exclude []string `toml:"exclude"`
		} `toml:"workspace"`
	}
	if _, err := toml.DecodeFile(path, &manifest); err != nil {
		d.logger.Warn("build file unreadable", "path", path, "error", err)
		return nil
	}
	refs := d.expandWorkspaceGlobs(path, manifest.Workspace.Members, "Cargo.toml")
	if len(manifest.Workspace.Exclude) == 0 {
		return refs
	}
	excluded := make(map[string]bool)
	for _, e := range manifest.Workspace.Exclude {
		excluded[resolveRef(path, e)] = true
	}
	kept := refs[:0]
	for _, r := range refs {
		if !excluded[r.Path] {
			kept = append(kept, r)
		}
	}
	return kept
}

func (d *ReferenceDiscoverer) parseMavenModules(path string) []ProjectReference {
	var pom struct {
		Modules struct {
			Module []string `xml:"module"`
		} `xml:"modules"`
	}
	if !decodeXMLFile(path, &pom) {
		d.logger.Warn("build file unreadable", "path", path)
		return nil
	}
	var refs []ProjectReference
	for _, m := range pom.Modules.Module {
		if m == "" {
			continue
		}
		abs := resolveRef(path, m)
		refs = append(refs, ProjectReference{Path: abs, Name: filepath.Base(abs)})
	}
	return refs
}

func (d *ReferenceDiscoverer) parseTsReferences(path string) []ProjectReference {
	var cfg struct {
		References []struct {
			Path string `json:"path"`
		} `json:"references"`
	}
	if !decodeJSONFile(path, &cfg) {
		d.logger.Warn("build file unreadable", "path", path)
		return nil
	}
	var refs []ProjectReference
	for _, r := range cfg.References {
		if r.Path == "" {
			continue
		}
		abs := resolveRef(path, r.Path)
		refs = append(refs, ProjectReference{Path: abs, Name: filepath.Base(abs)})
	}
	return refs
}

func (d *ReferenceDiscoverer) parseMSBuildProject(path string) []ProjectReference {
	var proj struct {
		ItemGroups []struct {
			ProjectReferences []struct {
				Include string `xml:"Include,attr"`
			} `xml:"ProjectReference"`
		} `xml:"ItemGroup"`
	}
	if !decodeXMLFile(path, &proj) {
		d.logger.Warn("build file unreadable", "path", path)
		return nil
	}
	var refs []ProjectReference
	for _, g := range proj.ItemGroups {
		for _, r := range g.ProjectReferences {
			if r.Include == "" {
				continue
			}
			abs := resolveRef(path, r.Include)
			refs = append(refs, ProjectReference{
				Path: abs,
				Name: strings.TrimSuffix(filepath.Base(abs), filepath.Ext(abs)),
			})
		}
	}
	return refs
}

// expandWorkspaceGlobs resolves workspace member patterns against the build
// file's directory. Patterns without metacharacters pass through directly;
// patterns with them expand via glob matching and filter to directories that
// actually contain the ecosystem's manifest.
func (d *ReferenceDiscoverer) expandWorkspaceGlobs(buildFile string, patterns []string, manifest string) []ProjectReference {
	base := filepath.Dir(buildFile)
	var refs []ProjectReference
	for _, pat := range patterns {
		if pat == "" {
			continue
		}
		if !strings.ContainsAny(pat, "*?[{") {
			abs := resolveRef(buildFile, pat)
			refs = append(refs, ProjectReference{Path: abs, Name: filepath.Base(abs)})
			continue
		}
		fsys := os.DirFS(base)
		matches, err := doublestar.Glob(fsys, filepath.ToSlash(pat))
		if err != nil {
			d.logger.Warn("bad workspace pattern", "pattern", pat, "error", err)
			continue
		}
		sort.Strings(matches)
		for _, m := range matches {
			abs := filepath.Join(base, filepath.FromSlash(m))
			info, err := os.Stat(abs)
			if err != nil || !info.IsDir() {
				continue
			}
			if _, err := os.Stat(filepath.Join(abs, manifest)); err != nil {
				continue
			}
			refs = append(refs, ProjectReference{Path: abs, Name: filepath.Base(abs)})
		}
	}
	return refs
}

// decodeJSONFile reads and unmarshals a JSON file, reporting success. JSONC
// comments common in tsconfig/code-workspace files are stripped first.
func decodeJSONFile(path string, v any) bool {
	data, err := os.ReadFile(path)
	if err != nil {
		return false
	}
	if err := json.Unmarshal(data, v); err != nil {
		if err := json.Unmarshal(stripJSONComments(data), v); err != nil {
			return false
		}
	}
	return true
}

func decodeXMLFile(path string, v any) bool {
	data, err := os.ReadFile(path)
	if err != nil {
		return false
	}
	return xml.Unmarshal(data, v) == nil
}

// stripJSONComments removes // and /* */ comments outside string literals.
func stripJSONComments(data []byte) []byte {
	out := make([]byte, 0, len(data))
	inString := false
	for i := 0; i < len(data); i++ {
		c := data[i]
		if inString {
			out = append(out, c)
			if c == '\\' && i+1 < len(data) {
				i++
				out = append(out, data[i])
			} else if c == '"' {
				inString = false
			}
			continue
		}
		switch {
		case c == '"':
			inString = true
			out = append(out, c)
		case c == '/' && i+1 < len(data) && data[i+1] == '/':
			for i < len(data) && data[i] != '\n' {
				i++
			}
			if i < len(data) {
				out = append(out, '\n')
			}
		case c == '/' && i+1 < len(data) && data[i+1] == '*':
			i += 2
			for i+1 < len(data) && !(data[i] == '*' && data[i+1] == '/') {
				i++
			}
			i++
		default:
			out = append(out, c)
		}
	}
	return out
}
