// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.
package mqtt

import "strings"

const sharedPrefix = "$share/"

// IsTopicFilterMatch checks if a topic name matches a topic filter.
func IsTopicFilterMatch(topicFilter, topicName string) bool {
	if tf, ok := strings.CutPrefix(topicFilter, sharedPrefix); ok {
		idx := strings.Index(tf, "/")
		if idx == -1 {
			return false
		}
		topicFilter = tf[idx+1:]
	}

	// Wildcards never match topics beginning with '$'.
	if strings.HasPrefix(topicName, "$") &&
		(strings.HasPrefix(topicFilter, "+") ||
			strings.HasPrefix(topicFilter, "#")) {
		return false
	}

	filters := strings.Split(topicFilter, "/")
	names := strings.Split(topicName, "/")

	for i, filter := range filters {
		switch {
		case filter == "#":
			// Also matches the parent level.
			return i == len(filters)-1
		case filter == "+":
			if i >= len(names) {
				return false
			}
		case i >= len(names) || filter != names[i]:
			return false
		}
	}

	return len(filters) == len(names)
}

func validateTopicName(topic string) error {
	switch {
	case topic == "":
		return &InvalidArgumentError{message: "empty topic name"}
	case strings.ContainsAny(topic, "+#"):
		return &InvalidArgumentError{
			message: "wildcards are not allowed in topic names",
		}
	}
	return nil
}

func validateTopicFilter(filter string) error {
	if filter == "" {
		return &InvalidArgumentError{message: "empty topic filter"}
	}

	levels := strings.Split(filter, "/")
	for i, level := range levels {
		switch {
		case level == "#" && i != len(levels)-1:
			return &InvalidArgumentError{
				message: "multi-level wildcard must be the last level",
			}
		case level != "#" && level != "+" && strings.ContainsAny(level, "+#"):
			return &InvalidArgumentError{
				message: "wildcards must occupy an entire level",
			}
		}
	}
	return nil
}
