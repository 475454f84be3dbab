package manifest

import (
	"bufio"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Suffix is appended to an artifact path to name its manifest.
const Suffix = ".yaml"

func PathFor(artifactPath string) string {
	return artifactPath + Suffix
}

func GetSystemInfo(dumpVersion string) SystemInfo {
	hostname, err := os.Hostname()
	if err != nil {
		hostname = "unknown"
	}
	return SystemInfo{
		Hostname:    hostname,
		OS:          osRelease("/etc/os-release"),
		DumpVersion: dumpVersion,
	}
}

// osRelease returns PRETTY_NAME from an os-release file.
func osRelease(filename string) string {
	f, err := os.Open(filename)
	if err != nil {
		return "unknown"
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	for sc.Scan() {
		if v, ok := strings.CutPrefix(sc.Text(), "PRETTY_NAME="); ok {
			return strings.Trim(v, `"`)
		}
	}
	return "unknown"
}

// Write stores m atomically so readers never see a half written manifest.
func Write(filename string, m *Artifact) error {
	data, err := yaml.Marshal(m)
	if err != nil {
		return err
	}
	tmp := filename + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, filename)
}

func Read(filename string) (*Artifact, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, err
	}
	var m Artifact
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	return &m, nil
}
