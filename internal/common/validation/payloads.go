package validation

// MaxPromptLength is an absolute ceiling; per-tier limits are stricter.
const MaxPromptLength = 20000

var createJobSchema = map[string]interface{}{
	"type":                 "object",
	"additionalProperties": false,
	"required":             []interface{}{"prompt"},
	"properties": map[string]interface{}{
		"prompt": map[string]interface{}{
			"type":      "string",
			"minLength": 1,
			"maxLength": MaxPromptLength,
		},
		"tier": map[string]interface{}{
			"type": "string",
			"enum": []interface{}{"free", "starter", "professional", "business", "enterprise"},
		},
		"watermark": map[string]interface{}{"type": "boolean"},
		"brand": map[string]interface{}{
			"type":                 "object",
			"additionalProperties": false,
			"properties": map[string]interface{}{
				"companyName":  map[string]interface{}{"type": "string", "maxLength": 200},
				"primaryColor": map[string]interface{}{"type": "string", "pattern": "^#([0-9a-fA-F]{3}){1,2}$"},
			},
		},
		"image": map[string]interface{}{
			"type":                 "object",
			"additionalProperties": false,
			"required":             []interface{}{"data", "mimeType"},
			"properties": map[string]interface{}{
				"data":     map[string]interface{}{"type": "string", "minLength": 1},
				"mimeType": map[string]interface{}{"type": "string", "enum": []interface{}{"image/png", "image/jpeg", "image/gif", "image/webp"}},
			},
		},
	},
}

// CreateJob validates POST /v1/jobs bodies.
var CreateJob = MustCompile("createJob", createJobSchema)
