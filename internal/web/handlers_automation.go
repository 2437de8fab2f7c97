package web

import (
	"errors"
	"net/http"

	"home-registry/internal/automation"
)

type saveAutomationRequest struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	LuaCode     string `json:"lua_code"`
	Enabled     bool   `json:"enabled"`
}

// inlineScriptID runs the request body's lua_code instead of a stored script.
const inlineScriptID = "_inline"

func (s *Server) automationsAvailable(w http.ResponseWriter) bool {
	if s.scriptMgr == nil {
		s.writeMessage(w, http.StatusNotFound, "Automations not available")
		return false
	}
	return true
}

func (s *Server) writeScriptError(w http.ResponseWriter, op string, err error) {
	switch {
	case errors.Is(err, automation.ErrScriptNotFound):
		s.writeMessage(w, http.StatusNotFound, "Script not found")
	case errors.Is(err, automation.ErrInvalidScriptID):
		s.writeMessage(w, http.StatusBadRequest, "Invalid script id")
	default:
		s.logger.Error(op, "err", err)
		s.writeMessage(w, http.StatusInternalServerError, "Internal server error")
	}
}

func (s *Server) handleListAutomations(w http.ResponseWriter, r *http.Request) {
	if s.scriptMgr == nil {
		s.writeData(w, http.StatusOK, "Retrieved all automations", []*automation.Script{})
		return
	}
	scripts, err := s.scriptMgr.List()
	if err != nil {
		s.writeScriptError(w, "list scripts", err)
		return
	}
	s.writeData(w, http.StatusOK, "Retrieved all automations", scripts)
}

func (s *Server) handleGetAutomation(w http.ResponseWriter, r *http.Request) {
	if !s.automationsAvailable(w) {
		return
	}
	script, err := s.scriptMgr.Get(r.PathValue("id"))
	if err != nil {
		s.writeScriptError(w, "get script", err)
		return
	}
	s.writeData(w, http.StatusOK, "Automation found", script)
}

func (s *Server) handleCreateAutomation(w http.ResponseWriter, r *http.Request) {
	if !s.automationsAvailable(w) {
		return
	}

	var req saveAutomationRequest
	if !s.decodeJSON(w, r, &req) {
		return
	}
	if req.Name == "" {
		s.writeMessage(w, http.StatusBadRequest, "name: is required")
		return
	}

	saved, err := s.scriptMgr.Save(&automation.Script{
		Meta: automation.ScriptMeta{
			Name:        req.Name,
			Description: req.Description,
			Enabled:     req.Enabled,
		},
		LuaCode: req.LuaCode,
	})
	if err != nil {
		s.writeScriptError(w, "create script", err)
		return
	}

	if s.autoEngine != nil && saved.Meta.Enabled {
		if err := s.autoEngine.ReloadScript(saved.ID); err != nil {
			s.logger.Error("reload script after create", "id", saved.ID, "err", err)
		}
	}

	s.writeData(w, http.StatusCreated, "Automation created", saved)
}

func (s *Server) handleUpdateAutomation(w http.ResponseWriter, r *http.Request) {
	if !s.automationsAvailable(w) {
		return
	}

	existing, err := s.scriptMgr.Get(r.PathValue("id"))
	if err != nil {
		s.writeScriptError(w, "get script", err)
		return
	}

	var req saveAutomationRequest
	if !s.decodeJSON(w, r, &req) {
		return
	}

	if req.Name != "" {
		existing.Meta.Name = req.Name
	}
	existing.Meta.Description = req.Description
	existing.Meta.Enabled = req.Enabled
	existing.LuaCode = req.LuaCode

	saved, err := s.scriptMgr.Save(existing)
	if err != nil {
		s.writeScriptError(w, "update script", err)
		return
	}

	if s.autoEngine != nil {
		if err := s.autoEngine.ReloadScript(saved.ID); err != nil {
			s.logger.Error("reload script after update", "id", saved.ID, "err", err)
		}
	}

	s.writeData(w, http.StatusOK, "Automation updated", saved)
}

func (s *Server) handleDeleteAutomation(w http.ResponseWriter, r *http.Request) {
	if !s.automationsAvailable(w) {
		return
	}

	id := r.PathValue("id")
	if s.autoEngine != nil {
		s.autoEngine.StopScript(id)
	}
	if err := s.scriptMgr.Delete(id); err != nil {
		s.writeScriptError(w, "delete script", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleToggleAutomation(w http.ResponseWriter, r *http.Request) {
	if !s.automationsAvailable(w) {
		return
	}

	script, err := s.scriptMgr.Get(r.PathValue("id"))
	if err != nil {
		s.writeScriptError(w, "get script", err)
		return
	}

	script.Meta.Enabled = !script.Meta.Enabled
	saved, err := s.scriptMgr.Save(script)
	if err != nil {
		s.writeScriptError(w, "toggle script", err)
		return
	}

	if s.autoEngine != nil {
		if saved.Meta.Enabled {
			if err := s.autoEngine.ReloadScript(saved.ID); err != nil {
				s.logger.Error("reload script after toggle", "id", saved.ID, "err", err)
			}
		} else {
			s.autoEngine.StopScript(saved.ID)
		}
	}

	s.writeData(w, http.StatusOK, "Automation toggled", saved)
}

func (s *Server) handleRunAutomation(w http.ResponseWriter, r *http.Request) {
	if s.autoEngine == nil {
		s.writeMessage(w, http.StatusNotFound, "Automation engine not available")
		return
	}

	id := r.PathValue("id")
	if id == inlineScriptID {
		var req struct {
			LuaCode string `json:"lua_code"`
		}
		if !s.decodeJSON(w, r, &req) {
			return
		}
		s.writeData(w, http.StatusOK, "Automation run", s.autoEngine.RunLuaCode(req.LuaCode))
		return
	}

	s.writeData(w, http.StatusOK, "Automation run", s.autoEngine.RunScript(id))
}
