// Package exportfs renders the store as a read-only file tree, either
// written to a directory or mounted over FUSE.
package exportfs

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"

	"github.com/agentworkforce/steptrail/internal/steptrail"
)

type Logger interface {
	Printf(format string, args ...any)
}

// Tree maps slash-separated relative paths to file contents.
type Tree struct {
	Files map[string][]byte
}

func (t *Tree) Paths() []string {
	paths := make([]string, 0, len(t.Files))
	for p := range t.Files {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	return paths
}

// Dirs lists every directory implied by the file paths, parents first.
func (t *Tree) Dirs() []string {
	seen := map[string]struct{}{}
	for p := range t.Files {
		for dir := path.Dir(p); dir != "." && dir != "/"; dir = path.Dir(dir) {
			seen[dir] = struct{}{}
		}
	}
	dirs := make([]string, 0, len(seen))
	for dir := range seen {
		dirs = append(dirs, dir)
	}
	sort.Slice(dirs, func(i, j int) bool {
		di, dj := strings.Count(dirs[i], "/"), strings.Count(dirs[j], "/")
		if di != dj {
			return di < dj
		}
		return dirs[i] < dirs[j]
	})
	return dirs
}

type indexEntry struct {
	ID         string              `json:"id"`
	Dir        string              `json:"dir"`
	StartURL   string              `json:"startUrl"`
	StepsCount int                 `json:"stepsCount"`
	UpdatedAt  string              `json:"updatedAt"`
	Sync       steptrail.SyncState `json:"sync"`
}

// BuildTree lays out one directory per session:
//
//	index.json
//	sessions/<id>/session.json
//	sessions/<id>/steps.md
//	sessions/<id>/steps/0001-click.json
//	sessions/<id>/thumbnails/0001.jpg
func BuildTree(s *steptrail.State) (*Tree, error) {
	tree := &Tree{Files: map[string][]byte{}}
	if s == nil {
		s = steptrail.NewState()
	}

	stepsBySession := map[string][]steptrail.Step{}
	for _, step := range s.Steps {
		stepsBySession[step.SessionID] = append(stepsBySession[step.SessionID], step)
	}

	index := make([]indexEntry, 0, len(s.Sessions))
	for _, session := range s.Sessions {
		dir := path.Join("sessions", safeName(session.ID))
		steps := stepsBySession[session.ID]
		sort.Slice(steps, func(i, j int) bool { return steps[i].StepIndex < steps[j].StepIndex })

		if err := putJSON(tree, path.Join(dir, "session.json"), session); err != nil {
			return nil, err
		}
		tree.Files[path.Join(dir, "steps.md")] = []byte(renderSteps(session, steps))
		for _, step := range steps {
			thumb := step.ThumbnailDataURL
			step.ThumbnailDataURL = ""
			name := fmt.Sprintf("%04d-%s", step.StepIndex, step.Type)
			if err := putJSON(tree, path.Join(dir, "steps", name+".json"), step); err != nil {
				return nil, err
			}
			if thumb == "" {
				continue
			}
			data, ext, err := decodeDataURL(thumb)
			if err != nil {
				continue
			}
			tree.Files[path.Join(dir, "thumbnails", fmt.Sprintf("%04d.%s", step.StepIndex, ext))] = data
		}
		index = append(index, indexEntry{
			ID:         session.ID,
			Dir:        dir,
			StartURL:   session.StartURL,
			StepsCount: session.StepsCount,
			UpdatedAt:  session.UpdatedAt.Format("2006-01-02T15:04:05.000Z07:00"),
			Sync:       session.Sync.Status,
		})
	}
	if err := putJSON(tree, "index.json", index); err != nil {
		return nil, err
	}
	return tree, nil
}

// WriteDir materialises the tree under root. Existing files with the same
// names are replaced; nothing else is removed.
func WriteDir(tree *Tree, root string) error {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return err
	}
	for _, dir := range tree.Dirs() {
		if err := os.MkdirAll(filepath.Join(root, filepath.FromSlash(dir)), 0o755); err != nil {
			return err
		}
	}
	for _, p := range tree.Paths() {
		if err := os.WriteFile(filepath.Join(root, filepath.FromSlash(p)), tree.Files[p], 0o644); err != nil {
			return fmt.Errorf("write %s: %w", p, err)
		}
	}
	return nil
}

func putJSON(tree *Tree, p string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("encode %s: %w", p, err)
	}
	tree.Files[p] = append(data, '\n')
	return nil
}

func renderSteps(session steptrail.Session, steps []steptrail.Step) string {
	var b strings.Builder
	title := session.StartTitle
	if title == "" {
		title = session.StartURL
	}
	fmt.Fprintf(&b, "# %s\n\n", title)
	for _, step := range steps {
		fmt.Fprintf(&b, "%d. %s\n", step.StepIndex, describe(step))
	}
	return b.String()
}

func describe(step steptrail.Step) string {
	target := ""
	if step.Target != nil {
		switch {
		case step.Target.Label != "":
			target = step.Target.Label
		case step.Target.Text != "":
			target = step.Target.Text
		case step.Target.ID != "":
			target = step.Target.Tag + "#" + step.Target.ID
		default:
			target = step.Target.Tag
		}
	}
	switch step.Type {
	case steptrail.StepNavigate:
		return "Navigate to " + step.URL
	case steptrail.StepKey:
		return fmt.Sprintf("Press %s on %s", step.Key, orPage(target))
	case steptrail.StepInput:
		return fmt.Sprintf("Type %q into %s", step.Value, orPage(target))
	case steptrail.StepSelect:
		option := step.OptionText
		if option == "" {
			option = step.Value
		}
		return fmt.Sprintf("Select %q in %s", option, orPage(target))
	case steptrail.StepToggle:
		state := "Toggle"
		if step.Checked != nil && *step.Checked {
			state = "Check"
		} else if step.Checked != nil {
			state = "Uncheck"
		}
		return state + " " + orPage(target)
	case steptrail.StepScroll:
		if step.ScrollY != nil {
			return fmt.Sprintf("Scroll to y=%d", *step.ScrollY)
		}
		return "Scroll"
	default:
		return "Click " + orPage(target)
	}
}

func orPage(target string) string {
	if strings.TrimSpace(target) == "" {
		return "the page"
	}
	return target
}

func decodeDataURL(dataURL string) ([]byte, string, error) {
	header, payload, ok := strings.Cut(dataURL, ",")
	if !ok || !strings.HasPrefix(header, "data:") || !strings.HasSuffix(header, ";base64") {
		return nil, "", errors.New("not a base64 data url")
	}
	ext := "bin"
	switch strings.TrimSuffix(strings.TrimPrefix(header, "data:"), ";base64") {
	case "image/jpeg":
		ext = "jpg"
	case "image/png":
		ext = "png"
	case "image/webp":
		ext = "webp"
	}
	data, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return nil, "", err
	}
	return data, ext, nil
}

func safeName(id string) string {
	id = strings.TrimSpace(id)
	id = strings.NewReplacer("/", "_", "\\", "_", "..", "_").Replace(id)
	if id == "" {
		return "_"
	}
	return id
}
