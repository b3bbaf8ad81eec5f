package ukify

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/alessio/shellescape"
	"gopkg.in/ini.v1"

	"github.com/oshokin/finalize-ostree-uki/internal/config"
	"github.com/oshokin/finalize-ostree-uki/internal/domain/entry"
	"github.com/oshokin/finalize-ostree-uki/internal/repository/deployment"
)

// Fixed signing policy shared by every UKI.
const (
	PCRBank        = "sha256"
	SignaturePhase = "enter-initrd"

	// PrettyNameKey is replaced by the entry title.
	PrettyNameKey = "PRETTY_NAME"

	sectionUKI          = "UKI"
	sectionPCRSignature = "PCRSignature:initrd"
)

// BuildConfig is everything ukify needs for one entry.
type BuildConfig struct {
	// Linux is the kernel image path.
	Linux string
	// Initrds are the initrd paths in load order.
	Initrds []string
	// Uname is the kernel release.
	Uname string
	// Cmdline is the kernel command line, verbatim from the entry.
	Cmdline string
	// OSRelease is the deployment os-release with the entry title as PRETTY_NAME.
	OSRelease deployment.OSRelease
	// Keys are the signing key paths.
	Keys config.Keys
}

// Compose merges an entry and its deployment into a build configuration.
func Compose(e *entry.BootEntry, d *deployment.Deployment, keys config.Keys) *BuildConfig {
	return &BuildConfig{
		Linux:     e.Linux,
		Initrds:   append([]string(nil), e.Initrds...),
		Uname:     d.KernelUname,
		Cmdline:   e.Options,
		OSRelease: d.OSRelease.Clone().Set(PrettyNameKey, e.Title),
		Keys:      keys,
	}
}

// InitrdValue quotes every initrd for a space separated list.
func (c *BuildConfig) InitrdValue() string {
	quoted := make([]string, 0, len(c.Initrds))
	for _, path := range c.Initrds {
		quoted = append(quoted, shellescape.Quote(path))
	}

	return strings.Join(quoted, " ")
}

// RenderOSRelease returns the os-release file content.
func (c *BuildConfig) RenderOSRelease() []byte {
	var buf bytes.Buffer

	for i, pair := range c.OSRelease {
		if i > 0 {
			buf.WriteByte('\n')
		}

		buf.WriteString(pair.Key)
		buf.WriteByte('=')
		buf.WriteString(pair.Value)
	}

	buf.WriteByte('\n')

	return buf.Bytes()
}

// Render returns the ukify INI configuration. The os-release content is
// referenced through osReleasePath, which must hold RenderOSRelease output.
func (c *BuildConfig) Render(osReleasePath string) ([]byte, error) {
	// ukify reads the file with configparser, which has no inline comments;
	// keep ';' and '#' in command lines unquoted.
	//nolint:exhaustruct // Only inline comment handling differs from the defaults.
	file := ini.Empty(ini.LoadOptions{IgnoreInlineComment: true})

	sections := []struct {
		name string
		keys [][2]string
	}{
		{sectionUKI, [][2]string{
			{"Linux", c.Linux},
			{"Initrd", c.InitrdValue()},
			{"Uname", c.Uname},
			{"Cmdline", c.Cmdline},
			{"OSRelease", "@" + osReleasePath},
			{"SecureBootPrivateKey", c.Keys.SecureBootPrivateKey},
			{"SecureBootCertificate", c.Keys.SecureBootCertificate},
			{"PCRPKey", c.Keys.PCRPublicKey},
			{"PCRBanks", PCRBank},
		}},
		{sectionPCRSignature, [][2]string{
			{"PCRPrivateKey", c.Keys.PCRPrivateKey},
			{"PCRPublicKey", c.Keys.PCRPublicKey},
			{"Phases", SignaturePhase},
		}},
	}

	for _, s := range sections {
		section, err := file.NewSection(s.name)
		if err != nil {
			return nil, fmt.Errorf("create section %s: %w", s.name, err)
		}

		for _, kv := range s.keys {
			if _, err = section.NewKey(kv[0], kv[1]); err != nil {
				return nil, fmt.Errorf("add key %s: %w", kv[0], err)
			}
		}
	}

	var buf bytes.Buffer
	if _, err := file.WriteTo(&buf); err != nil {
		return nil, fmt.Errorf("render ukify config: %w", err)
	}

	return buf.Bytes(), nil
}
