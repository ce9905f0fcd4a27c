package process

//go:generate mockgen -destination=mocks/mock_renderer.go -package=mocks github.com/mattjoyce/procchain/internal/process Renderer

// Renderer turns a template root and template data into the script and
// config handed to the workflow runtime.
type Renderer interface {
	RenderScript(root string, data map[string]any) (string, error)
	RenderConfig(root string, data map[string]any) (string, error)
}
