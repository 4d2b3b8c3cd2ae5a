package cmd

import (
	"fmt"
	"regexp"
	"strings"
	"time"
)

// PathTemplate provides functionality to generate S3 paths from templates
type PathTemplate struct {
	template string
}

// NewPathTemplate creates a new PathTemplate instance
func NewPathTemplate(template string) *PathTemplate {
	return &PathTemplate{template: template}
}

// Generate replaces placeholders in the template with actual values
// Supports: {table}, {YYYY}, {MM}, {DD}, {HH}
func (pt *PathTemplate) Generate(tableName string, timestamp time.Time) string {
	result := pt.template

	// Replace table placeholder
	result = strings.ReplaceAll(result, "{table}", tableName)

	// Replace date/time placeholders
	result = strings.ReplaceAll(result, "{YYYY}", timestamp.Format("2006"))
	result = strings.ReplaceAll(result, "{MM}", timestamp.Format("01"))
	result = strings.ReplaceAll(result, "{DD}", timestamp.Format("02"))
	result = strings.ReplaceAll(result, "{HH}", timestamp.Format("15"))

	return strings.TrimSuffix(result, "/")
}

var unsafeKeyChars = regexp.MustCompile(`[^A-Za-z0-9._-]+`)

// keyToken renders a key value for use inside an object name
func keyToken(v any) string {
	if b, ok := v.([]byte); ok {
		v = string(b)
	}
	return unsafeKeyChars.ReplaceAllString(fmt.Sprint(v), "_")
}

// GenerateSnapshotFilename names the object holding one batch of deleted rows:
// <table>-<first key>-<last key><format ext>[<compression ext>]
func GenerateSnapshotFilename(tableName string, firstKey, lastKey any, formatExt string, compressionExt string) string {
	filename := fmt.Sprintf("%s-%s-%s%s", tableName, keyToken(firstKey), keyToken(lastKey), formatExt)

	// Add compression extension if not "none"
	if compressionExt != "" {
		filename += compressionExt
	}

	return filename
}

// SnapshotObjectKey joins the rendered path template and the snapshot filename
func SnapshotObjectKey(pt *PathTemplate, tableName string, timestamp time.Time, filename string) string {
	dir := pt.Generate(tableName, timestamp)
	if dir == "" {
		return filename
	}
	return dir + "/" + filename
}
