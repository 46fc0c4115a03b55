package api

import (
	"github.com/gin-gonic/gin"

	"github.com/fusebox-dev/fusebox/pkg/errors"
	"github.com/fusebox-dev/fusebox/pkg/resilience"
)

// CircuitHandler handles circuit breaker admin operations
type CircuitHandler struct {
	manager *resilience.Manager
}

// NewCircuitHandler creates a new circuit handler
func NewCircuitHandler(manager *resilience.Manager) *CircuitHandler {
	return &CircuitHandler{manager: manager}
}

// CreateCircuit registers a new circuit breaker
func (h *CircuitHandler) CreateCircuit(c *gin.Context) {
	var cfg resilience.DependencyConfig
	if err := c.ShouldBindJSON(&cfg); err != nil {
		BadRequestResponse(c, "Invalid request body: "+err.Error())
		return
	}

	if _, err := h.manager.CreateCircuitBreaker(cfg); err != nil {
		ErrorResponseFromError(c, err)
		return
	}

	CreatedResponse(c, h.manager.GetCircuitStatus(cfg.Name))
}

// ListCircuits returns the status of every registered circuit
func (h *CircuitHandler) ListCircuits(c *gin.Context) {
	SuccessResponse(c, h.manager.GetAllCircuitsStatus())
}

// GetCircuit returns the status of a single circuit
func (h *CircuitHandler) GetCircuit(c *gin.Context) {
	name := c.Param("name")

	status := h.manager.GetCircuitStatus(name)
	if status == nil {
		ErrorResponseFromError(c, errors.NewDependencyNotFoundError(name))
		return
	}

	SuccessResponse(c, status)
}

// ResetCircuit forces a circuit back to CLOSED and clears its counters
func (h *CircuitHandler) ResetCircuit(c *gin.Context) {
	name := c.Param("name")

	if err := h.manager.ResetCircuit(name); err != nil {
		ErrorResponseFromError(c, err)
		return
	}

	SuccessResponse(c, h.manager.GetCircuitStatus(name))
}

// UpdateConfig applies a partial config update to a circuit
func (h *CircuitHandler) UpdateConfig(c *gin.Context) {
	name := c.Param("name")

	var update resilience.ConfigUpdate
	if err := c.ShouldBindJSON(&update); err != nil {
		BadRequestResponse(c, "Invalid request body: "+err.Error())
		return
	}

	if err := h.manager.UpdateCircuitConfig(name, update); err != nil {
		ErrorResponseFromError(c, err)
		return
	}

	SuccessResponse(c, h.manager.GetCircuitStatus(name))
}

// GetStatus returns the manager-wide summary
func (h *CircuitHandler) GetStatus(c *gin.Context) {
	SuccessResponse(c, h.manager.GetStatus())
}

// Health reports liveness of the manager
func (h *CircuitHandler) Health(c *gin.Context) {
	status := h.manager.GetStatus()
	if !status.Running {
		ServiceUnavailableResponse(c, "manager is not running")
		return
	}

	SuccessResponse(c, gin.H{
		"status":   "healthy",
		"uptime":   status.Uptime.String(),
		"circuits": status.TotalCircuits,
	})
}
