package httpapi

import (
	"regexp"

	"github.com/gin-gonic/gin/binding"
	"github.com/go-playground/validator/v10"
)

// taskKindPattern mirrors the task kind strings the registry indexes
// workers by: lowercase words separated by single dots or underscores, e.g.
// "pdf.extract" or "video_transcribe". Rejecting anything else here means a
// malformed task_kind never reaches the router only to find zero
// candidates.
var taskKindPattern = regexp.MustCompile(`^[a-z0-9]+([._][a-z0-9]+)*$`)

// registerCustomValidators adds the "task_kind" tag to gin's validator
// engine. Called once from New; safe to call more than once since
// RegisterValidation just overwrites the prior registration.
func registerCustomValidators() {
	v, ok := binding.Validator.Engine().(*validator.Validate)
	if !ok {
		return
	}
	_ = v.RegisterValidation("task_kind", func(fl validator.FieldLevel) bool {
		return taskKindPattern.MatchString(fl.Field().String())
	})
}
