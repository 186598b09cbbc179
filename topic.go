package mqttclient

import (
	"errors"
	"strings"
	"unicode/utf8"
)

// Topic errors.
var (
	ErrInvalidTopicName   = errors.New("invalid topic name")
	ErrInvalidTopicFilter = errors.New("invalid topic filter")
	ErrEmptyTopic         = errors.New("topic cannot be empty")
)

const (
	topicSeparator = "/"
	singleLevel    = "+"
	multiLevel     = "#"
	sharePrefix    = "$share/"
)

// ValidateTopicName checks a topic name used for PUBLISH. Names must be
// non-empty UTF-8 without null characters or wildcards.
func ValidateTopicName(topic string) error {
	if topic == "" {
		return ErrEmptyTopic
	}
	if !utf8.ValidString(topic) || strings.ContainsAny(topic, "\x00+#") {
		return ErrInvalidTopicName
	}
	return nil
}

// ValidateTopicFilter checks a topic filter used for SUBSCRIBE and UNSUBSCRIBE.
// Wildcards must occupy a whole level and '#' must be the last level.
// Shared subscription filters ($share/name/filter) are validated on the inner filter.
func ValidateTopicFilter(filter string) error {
	if filter == "" {
		return ErrEmptyTopic
	}
	if !utf8.ValidString(filter) || strings.ContainsRune(filter, 0) {
		return ErrInvalidTopicFilter
	}

	if strings.HasPrefix(filter, sharePrefix) {
		name, inner, ok := strings.Cut(filter[len(sharePrefix):], topicSeparator)
		if !ok || name == "" || inner == "" || strings.ContainsAny(name, "+#") {
			return ErrInvalidTopicFilter
		}
		filter = inner
	}

	levels := strings.Split(filter, topicSeparator)
	for i, level := range levels {
		if strings.Contains(level, singleLevel) && level != singleLevel {
			return ErrInvalidTopicFilter
		}
		if strings.Contains(level, multiLevel) && (level != multiLevel || i != len(levels)-1) {
			return ErrInvalidTopicFilter
		}
	}

	return nil
}

// TopicMatch reports whether topic matches filter. Topics starting with '$'
// are not matched by a leading wildcard. Shared subscription filters match
// on their inner filter.
func TopicMatch(filter, topic string) bool {
	if filter == "" || topic == "" {
		return false
	}

	if strings.HasPrefix(filter, sharePrefix) {
		_, inner, ok := strings.Cut(filter[len(sharePrefix):], topicSeparator)
		if !ok {
			return false
		}
		filter = inner
	}

	if topic[0] == '$' && (filter[0] == '+' || filter[0] == '#') {
		return false
	}

	for {
		flevel, frest, fmore := strings.Cut(filter, topicSeparator)
		if flevel == multiLevel {
			return true
		}

		tlevel, trest, tmore := strings.Cut(topic, topicSeparator)
		if flevel != singleLevel && flevel != tlevel {
			return false
		}

		switch {
		case !fmore && !tmore:
			return true
		case !tmore:
			// "a/#" also matches "a"
			return frest == multiLevel
		case !fmore:
			return false
		}

		filter, topic = frest, trest
	}
}
