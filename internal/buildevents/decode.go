// Package buildevents consumes build status changes published by the
// external build pipeline and hands them to the deployment publisher.
package buildevents

import (
	"errors"
	"fmt"

	"github.com/tidwall/gjson"

	"github.com/oriys/orbit/internal/domain"
)

// PayloadField is the stream entry field carrying a JSON encoded event.
// Entries without it are read as flat field/value pairs.
const PayloadField = "payload"

var errEmptyEvent = errors.New("build event has no build id")

// Decode turns one stream entry into a BuildEvent. Both "buildId" and the
// older "jobId" name the build. Metadata is read from the top level or from
// a nested "metadata" object; keys outside the known set are ignored.
func Decode(values map[string]any) (domain.BuildEvent, error) {
	if raw, ok := values[PayloadField]; ok {
		s, ok := raw.(string)
		if !ok {
			return domain.BuildEvent{}, fmt.Errorf("%s field must be a string", PayloadField)
		}
		return DecodeJSON([]byte(s))
	}

	get := func(name string) string {
		s, _ := values[name].(string)
		return s
	}
	return build(get)
}

// DecodeJSON decodes a JSON encoded build event.
func DecodeJSON(data []byte) (domain.BuildEvent, error) {
	if !gjson.ValidBytes(data) {
		return domain.BuildEvent{}, errors.New("build event payload is not valid JSON")
	}
	doc := gjson.ParseBytes(data)
	if !doc.IsObject() {
		return domain.BuildEvent{}, errors.New("build event payload must be an object")
	}
	get := func(name string) string {
		if v := doc.Get(name); v.Exists() {
			return v.String()
		}
		return doc.Get("metadata." + name).String()
	}
	return build(get)
}

func build(get func(string) string) (domain.BuildEvent, error) {
	ev := domain.BuildEvent{
		BuildID: get("buildId"),
		AppID:   get("appId"),
	}
	if ev.BuildID == "" {
		ev.BuildID = get("jobId")
	}
	if ev.BuildID == "" {
		return domain.BuildEvent{}, errEmptyEvent
	}

	status, err := domain.ParseBuildStatus(get("status"))
	if err != nil {
		return domain.BuildEvent{}, fmt.Errorf("build %s: %w", ev.BuildID, err)
	}
	ev.Status = status

	for _, key := range domain.BuildMetadataKeys {
		if v := get(string(key)); v != "" {
			if err := ev.Metadata.Set(key, v); err != nil {
				return domain.BuildEvent{}, err
			}
		}
	}
	return ev, nil
}
