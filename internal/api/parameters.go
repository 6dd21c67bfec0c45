package api

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/nadmax/noos/internal/params"
)

// ParameterRequest creates or edits a parameter set. Omitted thresholds keep
// the built-in default on create and the stored value on update.
type ParameterRequest struct {
	params.Overrides
	Name     string `json:"name"`
	IsActive bool   `json:"is_active"`
}

func (a *API) listParameters(c *gin.Context) {
	sets, err := a.parameters.ListParameters(c.Request.Context())
	if err != nil {
		a.respondErr(c, err)
		return
	}
	c.JSON(http.StatusOK, sets)
}

func (a *API) activeParameters(c *gin.Context) {
	name := c.DefaultQuery("name", a.paramName)

	p, err := a.parameters.GetActive(c.Request.Context(), name)
	if err != nil {
		a.respondErr(c, err)
		return
	}
	c.JSON(http.StatusOK, p)
}

func (a *API) getParameters(c *gin.Context) {
	id, err := pathID(c, "id")
	if err != nil {
		badRequest(c, err)
		return
	}

	p, err := a.parameters.GetParameters(c.Request.Context(), id)
	if err != nil {
		a.respondErr(c, err)
		return
	}
	c.JSON(http.StatusOK, p)
}

func (a *API) createParameters(c *gin.Context) {
	var req ParameterRequest
	if err := bindBody(c, &req); err != nil {
		a.respondErr(c, err)
		return
	}

	base := params.Defaults(a.now())
	if name := strings.TrimSpace(req.Name); name != "" {
		base.Name = name
	} else {
		base.Name = a.paramName
	}

	p, err := req.Apply(base)
	if err != nil {
		a.respondErr(c, err)
		return
	}
	if err := p.Validate(); err != nil {
		a.respondErr(c, err)
		return
	}
	p.IsActive = req.IsActive

	if err := a.parameters.CreateParameters(c.Request.Context(), &p); err != nil {
		a.respondErr(c, err)
		return
	}

	a.log.Info("parameter set created", "id", p.ID, "name", p.Name, "version", p.Version, "active", p.IsActive)
	c.JSON(http.StatusCreated, p)
}

func (a *API) updateParameters(c *gin.Context) {
	ctx := c.Request.Context()

	id, err := pathID(c, "id")
	if err != nil {
		badRequest(c, err)
		return
	}

	var req ParameterRequest
	if err := bindBody(c, &req); err != nil {
		a.respondErr(c, err)
		return
	}

	existing, err := a.parameters.GetParameters(ctx, id)
	if err != nil {
		a.respondErr(c, err)
		return
	}

	p, err := req.Apply(*existing)
	if err != nil {
		a.respondErr(c, err)
		return
	}
	if err := p.Validate(); err != nil {
		a.respondErr(c, err)
		return
	}

	if err := a.parameters.UpdateParameters(ctx, &p); err != nil {
		a.respondErr(c, err)
		return
	}

	a.log.Info("parameter set updated", "id", p.ID, "version", p.Version)
	c.JSON(http.StatusOK, p)
}

func (a *API) activateParameters(c *gin.Context) {
	a.setActive(c, true)
}

func (a *API) deactivateParameters(c *gin.Context) {
	a.setActive(c, false)
}

func (a *API) setActive(c *gin.Context, active bool) {
	ctx := c.Request.Context()

	id, err := pathID(c, "id")
	if err != nil {
		badRequest(c, err)
		return
	}

	if active {
		err = a.parameters.ActivateParameters(ctx, id)
	} else {
		err = a.parameters.DeactivateParameters(ctx, id)
	}
	if err != nil {
		a.respondErr(c, err)
		return
	}

	p, err := a.parameters.GetParameters(ctx, id)
	if err != nil {
		a.respondErr(c, err)
		return
	}
	c.JSON(http.StatusOK, p)
}
