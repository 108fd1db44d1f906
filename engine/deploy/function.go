package deploy

import (
	"errors"
	"fmt"
	"os"
	"path"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

const (
	// DefaultAppName names the deployed app.
	DefaultAppName = "ollama-demo"
	// ModelsMountPath is where ollama keeps model blobs and manifests.
	ModelsMountPath = "/root/.ollama/models"
	// GPUAny requests any available GPU.
	GPUAny = "any"
)

// Mount binds a volume at an absolute path inside the container.
type Mount struct {
	Path   string  `yaml:"path"`
	Volume string  `yaml:"volume"`
	Bound  *Volume `yaml:"-"`
}

// Function is a remotely invoked function: an image, a GPU class, and volumes.
type Function struct {
	Name   string  `yaml:"name"`
	Image  *Image  `yaml:"image"`
	GPU    string  `yaml:"gpu"`
	Mounts []Mount `yaml:"volumes,omitempty"`
}

// DefaultFunction is the demo deployment: the ollama image on any GPU with
// the models volume mounted where ollama looks for weights.
func DefaultFunction() *Function {
	return &Function{
		Name:   DefaultAppName,
		Image:  OllamaImage(),
		GPU:    GPUAny,
		Mounts: []Mount{{Path: ModelsMountPath, Volume: DefaultVolumeName}},
	}
}

// Validate checks the definition is complete.
func (f *Function) Validate() error {
	var errs []error
	if f.Name == "" {
		errs = append(errs, errors.New("name is required"))
	}
	if f.Image == nil || f.Image.Base == "" {
		errs = append(errs, errors.New("image base is required"))
	}
	if f.GPU == "" {
		errs = append(errs, errors.New("gpu is required"))
	}
	for _, m := range f.Mounts {
		if !path.IsAbs(m.Path) {
			errs = append(errs, fmt.Errorf("mount path %q must be absolute", m.Path))
		}
		if m.Volume == "" {
			errs = append(errs, fmt.Errorf("mount %s has no volume", m.Path))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("deploy: invalid function %q: %w", f.Name, errors.Join(errs...))
	}
	return nil
}

// BindVolumes resolves every mount's volume under root.
func (f *Function) BindVolumes(root string, createIfMissing bool) error {
	for i := range f.Mounts {
		v, err := VolumeFromName(root, f.Mounts[i].Volume, createIfMissing)
		if err != nil {
			return err
		}
		f.Mounts[i].Bound = v
	}
	return nil
}

// ServerEnv is the environment for the model-server process. The volume
// mounted at the models path becomes OLLAMA_MODELS, and a GPU class naming
// devices restricts CUDA_VISIBLE_DEVICES.
func (f *Function) ServerEnv() []string {
	var env []string
	for _, m := range f.Mounts {
		if m.Path == ModelsMountPath && m.Bound != nil {
			env = append(env, "OLLAMA_MODELS="+m.Bound.Path)
		}
	}
	if devices := f.gpuDevices(); devices != "" {
		env = append(env, "CUDA_VISIBLE_DEVICES="+devices)
	}
	return env
}

// gpuDevices returns the device list for a GPU class like "0,1", or "" for
// "any" and named classes.
func (f *Function) gpuDevices() string {
	g := strings.TrimSpace(f.GPU)
	if g == "" || strings.EqualFold(g, GPUAny) {
		return ""
	}
	for _, part := range strings.Split(g, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			return ""
		}
		for _, r := range part {
			if r < '0' || r > '9' {
				return ""
			}
		}
	}
	return strings.ReplaceAll(g, " ", "")
}

// Dockerfile renders the function's image with its mounts as volumes.
func (f *Function) Dockerfile(entrypoint ...string) string {
	paths := make([]string, 0, len(f.Mounts))
	for _, m := range f.Mounts {
		paths = append(paths, m.Path)
	}
	sort.Strings(paths)
	return f.Image.Dockerfile(paths, entrypoint...)
}

// YAML renders the definition in the format ParseFunction reads.
func (f *Function) YAML() ([]byte, error) {
	return yaml.Marshal(f)
}

// ParseFunction decodes and validates a YAML function definition.
func ParseFunction(data []byte) (*Function, error) {
	var f Function
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("deploy: decode function: %w", err)
	}
	if err := f.Validate(); err != nil {
		return nil, err
	}
	return &f, nil
}

// LoadFunction reads a YAML function definition from path.
func LoadFunction(path string) (*Function, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("deploy: read %s: %w", path, err)
	}
	return ParseFunction(data)
}
