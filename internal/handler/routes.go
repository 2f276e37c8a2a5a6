package handler

import "github.com/gin-gonic/gin"

// Handlers bundles every HTTP handler mounted under the API prefix.
type Handlers struct {
	Normalization *NormalizationHandler
	Submissions   *SubmissionHandler
	Metrics       *MetricsHandler
}

// Register mounts the API routes on the given group.
func (h Handlers) Register(api *gin.RouterGroup) {
	exams := api.Group("/exams/:id")
	exams.POST("/submissions", h.Submissions.Ingest)
	exams.GET("/significance", h.Normalization.Significance)
	exams.GET("/rankings", h.Normalization.Rankings)
	exams.POST("/ranks", h.Normalization.RunRanks)
	exams.GET("/normalization/status", h.Normalization.Status)
	exams.POST("/normalization/batch", h.Normalization.TriggerBatch)
	exams.POST("/normalization/force", h.Normalization.Force)
	exams.PUT("/normalization/settings", h.Normalization.UpdateSettings)

	submissions := api.Group("/submissions/:id")
	submissions.GET("", h.Submissions.Get)
	submissions.PATCH("/raw-score", h.Submissions.CorrectRawScore)
	submissions.DELETE("", h.Submissions.Delete)

	jobs := api.Group("/normalization/jobs/:id")
	jobs.GET("", h.Normalization.GetJob)
	jobs.POST("/cancel", h.Normalization.CancelJob)

	if h.Metrics != nil {
		api.GET("/system/metrics", h.Metrics.Snapshot)
	}
}
