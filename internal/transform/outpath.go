package transform

import (
	"path"
	"path/filepath"
	"strings"

	"github.com/shipyard/shipyard/pkg/types"
	"github.com/shipyard/shipyard/pkg/utils"
)

// DefaultStripPrefixes are the top-level source directories removed from
// output paths when the stage glob's own base does not apply.
var DefaultStripPrefixes = []string{"build/", "next-server/", "client/", "server/"}

// ScriptExt is the extension of every transformed output file
const ScriptExt = ".js"

// RelativeOutput maps a slash-separated source path to its path inside the
// stage destination. The first matching prefix from [glob base, stripPrefixes...]
// is removed, then the extension is rewritten.
func RelativeOutput(relSource string, stage types.StageSpec, stripPrefixes []string) string {
	rel := utils.NormalizePattern(relSource)

	candidates := make([]string, 0, len(stripPrefixes)+1)
	if base := utils.StaticBase(stage.SourceGlob); base != "" {
		candidates = append(candidates, base+"/")
	}
	candidates = append(candidates, stripPrefixes...)

	for _, prefix := range candidates {
		if strings.HasPrefix(rel, prefix) {
			rel = strings.TrimPrefix(rel, prefix)
			break
		}
	}

	rel = utils.StripExt(rel)
	if !stage.Options.StripExtension {
		rel += ScriptExt
	}
	return path.Clean(rel)
}

// OutputPath joins the relative output with the stage destination under outputBase
func OutputPath(outputBase, relSource string, stage types.StageSpec, stripPrefixes []string) string {
	rel := RelativeOutput(relSource, stage, stripPrefixes)
	return filepath.Join(outputBase, filepath.FromSlash(stage.DestinationDir), filepath.FromSlash(rel))
}

// IsDeclaration reports whether relPath is a declaration-only file
func IsDeclaration(relPath string, exts []string) bool {
	for _, ext := range exts {
		if strings.HasSuffix(relPath, ext) {
			return true
		}
	}
	return false
}
