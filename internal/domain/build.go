package domain

import (
	"fmt"
	"strings"
)

// BuildStatus is the lifecycle state reported by the external build pipeline.
type BuildStatus string

const (
	BuildStarted BuildStatus = "Started"
	BuildDone    BuildStatus = "Done"
	BuildFailed  BuildStatus = "Failed"
)

// ParseBuildStatus accepts the status case-insensitively.
func ParseBuildStatus(s string) (BuildStatus, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "started":
		return BuildStarted, nil
	case "done":
		return BuildDone, nil
	case "failed":
		return BuildFailed, nil
	}
	return "", fmt.Errorf("unknown build status %q", s)
}

// BuildMetadataKey is the closed set of metadata a build event may carry.
type BuildMetadataKey string

const (
	MetaContainerID        BuildMetadataKey = "containerId"
	MetaArtifactsKeyPrefix BuildMetadataKey = "artifactsKeyPrefix"
	MetaArtifactID         BuildMetadataKey = "artifactId"
)

// BuildMetadataKeys lists every accepted key.
var BuildMetadataKeys = []BuildMetadataKey{MetaContainerID, MetaArtifactsKeyPrefix, MetaArtifactID}

// BuildMetadata holds optional build outputs under enumerated keys only.
type BuildMetadata struct {
	values map[BuildMetadataKey]string
}

// Set stores a value for a known key. Unknown keys are rejected.
func (m *BuildMetadata) Set(key BuildMetadataKey, value string) error {
	known := false
	for _, k := range BuildMetadataKeys {
		if k == key {
			known = true
			break
		}
	}
	if !known {
		return fmt.Errorf("unknown build metadata key %q", key)
	}
	if m.values == nil {
		m.values = make(map[BuildMetadataKey]string, len(BuildMetadataKeys))
	}
	m.values[key] = value
	return nil
}

func (m BuildMetadata) get(key BuildMetadataKey) (string, bool) {
	v, ok := m.values[key]
	return v, ok && v != ""
}

// ContainerID returns the container the build produced, if any.
func (m BuildMetadata) ContainerID() (string, bool) { return m.get(MetaContainerID) }

// ArtifactsKeyPrefix returns the object-store prefix holding the build's artifacts.
func (m BuildMetadata) ArtifactsKeyPrefix() (string, bool) { return m.get(MetaArtifactsKeyPrefix) }

// ArtifactID returns the opaque artifact reference, if any.
func (m BuildMetadata) ArtifactID() (string, bool) { return m.get(MetaArtifactID) }

// BuildEvent is a status change consumed from the build collaborator.
type BuildEvent struct {
	BuildID  string
	AppID    string
	Status   BuildStatus
	Metadata BuildMetadata
}
