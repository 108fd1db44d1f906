// Package deploy declares what the platform provisions for the demo: the
// container image, the GPU class, and the persistent volume holding model
// weights.
package deploy

import (
	"fmt"
	"sort"
	"strings"
)

// DefaultBase is the Debian slim base image.
const DefaultBase = "debian:bookworm-slim"

// OllamaInstall installs the ollama executable.
const OllamaInstall = "curl -fsSL https://ollama.com/install.sh | sh"

// Image is a declarative container image definition.
type Image struct {
	Base     string            `yaml:"base"`
	Packages []string          `yaml:"apt_packages,omitempty"`
	Commands []string          `yaml:"run_commands,omitempty"`
	EnvVars  map[string]string `yaml:"env,omitempty"`
}

// DebianSlim starts an image from the Debian slim base.
func DebianSlim() *Image {
	return &Image{Base: DefaultBase}
}

// AptInstall adds system packages.
func (i *Image) AptInstall(pkgs ...string) *Image {
	i.Packages = append(i.Packages, pkgs...)
	return i
}

// RunCommands adds shell commands executed at build time, in order.
func (i *Image) RunCommands(cmds ...string) *Image {
	i.Commands = append(i.Commands, cmds...)
	return i
}

// Env sets an environment variable in the image.
func (i *Image) Env(key, value string) *Image {
	if i.EnvVars == nil {
		i.EnvVars = make(map[string]string)
	}
	i.EnvVars[key] = value
	return i
}

// OllamaImage is the image the demo runs in: Debian slim with curl and ollama.
func OllamaImage() *Image {
	return DebianSlim().
		AptInstall("curl", "ca-certificates").
		RunCommands(OllamaInstall)
}

// Dockerfile renders the image. volumes become VOLUME declarations and
// entrypoint, if non-empty, the exec-form ENTRYPOINT.
func (i *Image) Dockerfile(volumes []string, entrypoint ...string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "FROM %s\n", i.Base)

	if len(i.Packages) > 0 {
		fmt.Fprintf(&b, "RUN apt-get update && apt-get install -y --no-install-recommends %s && rm -rf /var/lib/apt/lists/*\n",
			strings.Join(i.Packages, " "))
	}
	for _, c := range i.Commands {
		fmt.Fprintf(&b, "RUN %s\n", c)
	}

	keys := make([]string, 0, len(i.EnvVars))
	for k := range i.EnvVars {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(&b, "ENV %s=%q\n", k, i.EnvVars[k])
	}

	for _, v := range volumes {
		fmt.Fprintf(&b, "VOLUME [%q]\n", v)
	}
	if len(entrypoint) > 0 {
		quoted := make([]string, len(entrypoint))
		for n, e := range entrypoint {
			quoted[n] = fmt.Sprintf("%q", e)
		}
		fmt.Fprintf(&b, "ENTRYPOINT [%s]\n", strings.Join(quoted, ", "))
	}
	return b.String()
}
