// Package media prepares user attachments for generation requests: images
// become data URIs for vision-capable providers and voice notes are
// transcribed to text.
package media
