package action

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestYaraResolveRulePatterns(t *testing.T) {
	y := Yara{
		CustomFilesDir: filepath.FromSlash("/opt/collector/custom_files"),
		RulesPatterns:  []string{"rules/*.yar", filepath.FromSlash("/abs/path/x.yar")},
	}

	resolved := y.resolveRulePatterns()
	assert.Equal(t, filepath.FromSlash("/opt/collector/custom_files/rules/*.yar"), resolved[0])
	assert.Equal(t, filepath.FromSlash("/abs/path/x.yar"), resolved[1])
}
