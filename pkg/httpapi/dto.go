package httpapi

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/droverhq/drover/pkg/errors"
	"github.com/droverhq/drover/pkg/types"
)

const maxBodyBytes = 1 << 20 // 1 MiB

// submitJobRequest is the POST /jobs payload.
type submitJobRequest struct {
	Name                 string            `json:"name" validate:"required,max=253"`
	Priority             int               `json:"priority" validate:"omitempty,oneof=1 5 10 20"`
	TemplateID           string            `json:"templateId"`
	TemplateVersion      string            `json:"templateVersion"`
	Spec                 *types.JobSpec    `json:"spec"`
	ResourceRequirements map[string]string `json:"resourceRequirements"`
	Strategy             string            `json:"strategy"`
	MaxRetries           int               `json:"maxRetries" validate:"gte=0"`
}

func (req *submitJobRequest) toJob() *types.Job {
	return &types.Job{
		Name:                 req.Name,
		Priority:             types.JobPriority(req.Priority),
		TemplateID:           req.TemplateID,
		TemplateVersion:      req.TemplateVersion,
		Spec:                 req.Spec,
		ResourceRequirements: req.ResourceRequirements,
		Strategy:             req.Strategy,
		MaxRetries:           req.MaxRetries,
	}
}

// submitJobResponse pairs the accepted job with its first execution so
// clients can follow progress without a second lookup.
type submitJobResponse struct {
	Job       *types.Job       `json:"job"`
	Execution *types.Execution `json:"execution"`
}

// createPoolRequest is the POST /pools payload.
type createPoolRequest struct {
	Name        string            `json:"name" validate:"required,max=63"`
	Type        string            `json:"type"`
	Quotas      types.PoolQuotas  `json:"quotas"`
	Labels      map[string]string `json:"labels"`
	Annotations map[string]string `json:"annotations"`
}

func (req *createPoolRequest) toPool() *types.ResourcePool {
	return &types.ResourcePool{
		Name:        req.Name,
		Type:        req.Type,
		Quotas:      req.Quotas,
		Labels:      req.Labels,
		Annotations: req.Annotations,
	}
}

// poolUsageResponse reports live usage next to the limits it is judged by.
type poolUsageResponse struct {
	PoolID   string               `json:"poolId"`
	PoolName string               `json:"poolName"`
	Usage    *types.ResourceUsage `json:"usage"`
	Quotas   types.PoolQuotas     `json:"quotas"`
}

// poolViolationsResponse lists quota dimensions currently exceeded.
type poolViolationsResponse struct {
	PoolID     string   `json:"poolId"`
	PoolName   string   `json:"poolName"`
	Violations []string `json:"violations"`
}

// decode reads a JSON body into v and runs struct validation.
func (s *Server) decode(r *http.Request, v interface{}) error {
	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil {
		return errors.Validationf("invalid JSON body: %v", err)
	}
	if err := s.validate.Struct(v); err != nil {
		return validationError(err)
	}
	return nil
}

// validationError flattens validator field errors into one message.
func validationError(err error) error {
	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		return errors.Validationf("%v", err)
	}
	parts := make([]string, 0, len(fieldErrs))
	for _, fe := range fieldErrs {
		switch fe.Tag() {
		case "required":
			parts = append(parts, fe.Field()+" is required")
		case "oneof":
			parts = append(parts, fe.Field()+" must be one of "+fe.Param())
		default:
			parts = append(parts, fe.Field()+" failed "+fe.Tag()+" validation")
		}
	}
	return errors.Validationf("%s", strings.Join(parts, "; "))
}
