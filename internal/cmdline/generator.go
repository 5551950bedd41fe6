package cmdline

import (
	"github.com/cochaviz/zvmhelper/internal/artifacts"
)

// Generate renders params as a single-line parameter file. The output carries no trailing
// newline and depends only on params.
func Generate(params Params) (artifacts.Payload, error) {
	text, err := params.Render()
	if err != nil {
		return artifacts.Payload{}, err
	}
	return artifacts.NewInlinePayload(artifacts.Cmdline, artifacts.Generated().String(), []byte(text)), nil
}
