package upload

import (
	"strings"

	apperrors "github.com/lifelogd/lifelogd/internal/errors"
)

// strptime directives the devices actually use, mapped to Go layouts.
var strptimeDirectives = map[byte]string{
	'Y': "2006",
	'y': "06",
	'm': "01",
	'd': "02",
	'H': "15",
	'M': "04",
	'S': "05",
}

// GoLayout converts a strptime-style date format (the wire value of
// dateFormat, e.g. "%Y%m%d_%H%M%S") to a Go time layout.
func GoLayout(strptimeFormat string) (string, error) {
	if strptimeFormat == "" {
		return "", apperrors.NewInputError("dateFormat is required")
	}
	var sb strings.Builder
	for i := 0; i < len(strptimeFormat); i++ {
		c := strptimeFormat[i]
		if c != '%' {
			sb.WriteByte(c)
			continue
		}
		i++
		if i >= len(strptimeFormat) {
			return "", apperrors.NewInputError("dateFormat ends with a bare %")
		}
		if strptimeFormat[i] == '%' {
			sb.WriteByte('%')
			continue
		}
		layout, ok := strptimeDirectives[strptimeFormat[i]]
		if !ok {
			return "", apperrors.Newf(apperrors.ErrorTypeInputInvalid,
				"unsupported dateFormat directive %%%c", strptimeFormat[i])
		}
		sb.WriteString(layout)
	}
	return sb.String(), nil
}
