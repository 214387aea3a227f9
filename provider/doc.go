// Package provider defines the generation backend contract. A provider
// turns an instruction plus conversation history into a live stream of text
// fragments; vendor adapters live in the subpackages.
package provider
