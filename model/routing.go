package model

import "strings"

// ResultRoutingKey returns the routing key a successful work result for
// kind is published under, e.g. KindYara -> "yara.result.static.zoo".
// Pure function of kind so both the work and enrichers packages can
// compute it without importing each other.
func ResultRoutingKey(k Kind) string {
	return strings.ToLower(string(k)) + ".result.static.zoo"
}
