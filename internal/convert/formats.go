package convert

import "strings"

// Category は出力形式の分類です。変換ツールはこの分類で選択します。
type Category string

const (
	CategoryNone     Category = ""
	CategoryDocument Category = "document"
	CategoryImage    Category = "image"
	CategoryMedia    Category = "media"
)

var formatCategories = map[string]Category{
	"pdf":  CategoryDocument,
	"docx": CategoryDocument,
	"doc":  CategoryDocument,
	"txt":  CategoryDocument,

	"jpg":  CategoryImage,
	"jpeg": CategoryImage,
	"png":  CategoryImage,
	"gif":  CategoryImage,
	"webp": CategoryImage,

	"mp3":  CategoryMedia,
	"wav":  CategoryMedia,
	"ogg":  CategoryMedia,
	"mp4":  CategoryMedia,
	"avi":  CategoryMedia,
	"mkv":  CategoryMedia,
	"webm": CategoryMedia,
}

var contentTypes = map[string]string{
	"pdf":  "application/pdf",
	"docx": "application/vnd.openxmlformats-officedocument.wordprocessingml.document",
	"doc":  "application/msword",
	"txt":  "text/plain; charset=utf-8",
	"jpg":  "image/jpeg",
	"jpeg": "image/jpeg",
	"png":  "image/png",
	"gif":  "image/gif",
	"webp": "image/webp",
	"mp3":  "audio/mpeg",
	"wav":  "audio/wav",
	"ogg":  "audio/ogg",
	"mp4":  "video/mp4",
	"avi":  "video/x-msvideo",
	"mkv":  "video/x-matroska",
	"webm": "video/webm",
}

// NormalizeFormat は形式タグを小文字・ドットなしに揃えます。
func NormalizeFormat(format string) string {
	return strings.TrimPrefix(strings.ToLower(strings.TrimSpace(format)), ".")
}

// CategoryOf は出力形式の分類を返します。未知の形式は CategoryNone です。
func CategoryOf(format string) Category {
	return formatCategories[NormalizeFormat(format)]
}

// Supported は出力形式として扱えるかを返します。
func Supported(format string) bool {
	return CategoryOf(format) != CategoryNone
}

// ContentType は形式に対応する Content-Type を返します。
func ContentType(format string) string {
	if ct, ok := contentTypes[NormalizeFormat(format)]; ok {
		return ct
	}
	return "application/octet-stream"
}
