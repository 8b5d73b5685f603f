package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"claimcheck/internal/claim"
	"claimcheck/internal/policy"
	"claimcheck/internal/store"
)

const maxPolicyBytes = 4 << 20

func (s *Server) handleUploadPolicy(c *gin.Context) {
	data, err := io.ReadAll(io.LimitReader(c.Request.Body, maxPolicyBytes))
	if err != nil {
		s.renderError(c, http.StatusBadRequest, err)
		return
	}
	if len(strings.TrimSpace(string(data))) == 0 {
		s.renderError(c, http.StatusBadRequest, errors.New("policy document is required"))
		return
	}

	format := firstNonEmpty(c.Query("format"), c.ContentType())
	loaded, err := policy.Parse(data, format)
	if err != nil {
		var graphErr *policy.GraphError
		if errors.As(err, &graphErr) {
			s.renderError(c, http.StatusUnprocessableEntity, err)
		} else {
			s.renderError(c, http.StatusBadRequest, err)
		}
		return
	}

	row, err := policyRecord(loaded)
	if err != nil {
		s.renderError(c, http.StatusInternalServerError, err)
		return
	}
	if err := s.db.UpsertPolicy(row); err != nil {
		s.renderError(c, http.StatusInternalServerError, err)
		return
	}
	s.cacheGraph(row.PolicyID, row.Hash, loaded.Graph)

	logrus.WithFields(logrus.Fields{
		"policy_id":  row.PolicyID,
		"version":    row.Version,
		"clauses":    row.ClauseCount,
		"exclusions": row.ExclusionCount,
		"hash":       row.Hash,
	}).Info("policy stored")

	stored, err := s.db.GetPolicy(row.PolicyID)
	if err != nil {
		s.renderFailure(c, err)
		return
	}
	c.JSON(http.StatusCreated, PolicyFromModel(*stored, false))
}

func policyRecord(loaded policy.Loaded) (*store.Policy, error) {
	doc, err := json.Marshal(loaded.Document)
	if err != nil {
		return nil, fmt.Errorf("encode policy document: %w", err)
	}
	info := loaded.Graph.Info()
	row := &store.Policy{
		PolicyID:       info.PolicyID,
		Name:           info.Name,
		Version:        info.Version,
		EffectiveDate:  info.EffectiveDate,
		DocumentJSON:   string(doc),
		Hash:           loaded.Hash,
		ClauseCount:    len(loaded.Graph.Clauses()),
		ExclusionCount: len(loaded.Graph.Exclusions()),
	}
	if !info.ExpirationDate.IsZero() {
		exp := info.ExpirationDate
		row.ExpirationDate = &exp
	}
	return row, nil
}

func (s *Server) handleListPolicies(c *gin.Context) {
	offset, limit := pageParams(c)
	rows, total, err := s.db.ListPolicies(offset, limit)
	if err != nil {
		s.renderError(c, http.StatusInternalServerError, err)
		return
	}
	items := make([]PolicyDTO, 0, len(rows))
	for _, row := range rows {
		items = append(items, PolicyFromModel(row, false))
	}
	c.JSON(http.StatusOK, PoliciesResponse{Items: items, Total: total})
}

func (s *Server) handleGetPolicy(c *gin.Context) {
	row, err := s.db.GetPolicy(c.Param("id"))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			s.renderError(c, http.StatusNotFound, fmt.Errorf("policy %s not found", c.Param("id")))
		} else {
			s.renderError(c, http.StatusInternalServerError, err)
		}
		return
	}
	c.JSON(http.StatusOK, PolicyFromModel(*row, true))
}

// graph returns the built graph of a stored policy, rebuilding it when the
// stored document changed since it was cached.
func (s *Server) graph(policyID string) (*policy.Graph, error) {
	row, err := s.db.GetPolicy(policyID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("policy %s: %w", policyID, err)
		}
		return nil, err
	}

	s.graphMu.RLock()
	cached, ok := s.graphs[row.PolicyID]
	s.graphMu.RUnlock()
	if ok && cached.hash == row.Hash {
		return cached.graph, nil
	}

	loaded, err := policy.Parse([]byte(row.DocumentJSON), "json")
	if err != nil {
		return nil, fmt.Errorf("rebuild policy %s: %w", row.PolicyID, err)
	}
	s.cacheGraph(row.PolicyID, row.Hash, loaded.Graph)
	return loaded.Graph, nil
}

func (s *Server) cacheGraph(policyID, hash string, g *policy.Graph) {
	s.graphMu.Lock()
	s.graphs[policyID] = cachedGraph{hash: hash, graph: g}
	s.graphMu.Unlock()
}

// loadPolicy resolves the :id parameter to the stored row and its graph,
// rendering the error response itself on failure.
func (s *Server) loadPolicy(c *gin.Context) (*store.Policy, *policy.Graph, bool) {
	policyID := c.Param("id")
	row, err := s.db.GetPolicy(policyID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			s.renderError(c, http.StatusNotFound, fmt.Errorf("policy %s not found", policyID))
		} else {
			s.renderError(c, http.StatusInternalServerError, err)
		}
		return nil, nil, false
	}
	g, err := s.graph(row.PolicyID)
	if err != nil {
		s.renderFailure(c, err)
		return nil, nil, false
	}
	return row, g, true
}

func (s *Server) handlePolicySummary(c *gin.Context) {
	row, g, ok := s.loadPolicy(c)
	if !ok {
		return
	}
	total, err := s.db.CountClaimsForPolicy(row.PolicyID, nil)
	if err != nil {
		s.renderError(c, http.StatusInternalServerError, err)
		return
	}
	open, err := s.db.CountClaimsForPolicy(row.PolicyID, terminalStatuses())
	if err != nil {
		s.renderError(c, http.StatusInternalServerError, err)
		return
	}
	info := g.Info()
	categories := g.Categories()
	if categories == nil {
		categories = []string{}
	}
	c.JSON(http.StatusOK, PolicySummaryResponse{
		PolicyID:          row.PolicyID,
		Name:              row.Name,
		Version:           row.Version,
		EffectiveDate:     row.EffectiveDate,
		ExpirationDate:    row.ExpirationDate,
		Active:            policyActive(info, s.clock()),
		Categories:        categories,
		ClauseCount:       row.ClauseCount,
		ExclusionCount:    row.ExclusionCount,
		RelationshipCount: len(g.Relationships()),
		TotalClaims:       total,
		OpenClaims:        open,
		Hash:              row.Hash,
	})
}

func (s *Server) handlePolicyGraph(c *gin.Context) {
	row, g, ok := s.loadPolicy(c)
	if !ok {
		return
	}
	resp := PolicyGraphResponse{
		PolicyID:         row.PolicyID,
		Nodes:            []GraphNode{},
		Edges:            []GraphEdge{},
		TopologicalOrder: g.TopologicalOrder(),
	}
	for _, cl := range g.Clauses() {
		resp.Nodes = append(resp.Nodes, GraphNode{ID: cl.ClauseID, Kind: "clause", Categories: []string{cl.Category}, Label: cl.Description})
	}
	for _, rel := range g.Relationships() {
		resp.Edges = append(resp.Edges, GraphEdge{From: rel.From, To: rel.To, Kind: rel.Kind})
	}
	for _, excl := range g.Exclusions() {
		resp.Nodes = append(resp.Nodes, GraphNode{ID: excl.ExclusionID, Kind: "exclusion", Categories: excl.AppliesToCategories, Label: excl.Description})
		for _, cat := range excl.AppliesToCategories {
			for _, cl := range g.ClausesForCategory(cat) {
				resp.Edges = append(resp.Edges, GraphEdge{From: excl.ExclusionID, To: cl.ClauseID, Kind: "excludes"})
			}
		}
	}
	resp.TotalNodes = len(resp.Nodes)
	resp.TotalEdges = len(resp.Edges)
	c.JSON(http.StatusOK, resp)
}

func (s *Server) handlePolicyClauses(c *gin.Context) {
	row, g, ok := s.loadPolicy(c)
	if !ok {
		return
	}
	clauses := g.Clauses()
	if category := strings.TrimSpace(c.Query("category")); category != "" {
		clauses = g.ClausesForCategory(category)
	}
	out := make([]ClauseDTO, 0, len(clauses))
	for _, cl := range clauses {
		out = append(out, ClauseFromGraph(g, cl))
	}
	c.JSON(http.StatusOK, ClausesResponse{PolicyID: row.PolicyID, Total: len(out), Clauses: out})
}

func (s *Server) handlePolicyExclusions(c *gin.Context) {
	row, g, ok := s.loadPolicy(c)
	if !ok {
		return
	}
	exclusions := g.Exclusions()
	out := make([]ExclusionDTO, 0, len(exclusions))
	for _, excl := range exclusions {
		out = append(out, ExclusionDTO{
			ExclusionID:         excl.ExclusionID,
			AppliesToCategories: excl.AppliesToCategories,
			Predicate:           excl.Predicate,
			Description:         excl.Description,
		})
	}
	c.JSON(http.StatusOK, ExclusionsResponse{PolicyID: row.PolicyID, Total: len(out), Exclusions: out})
}

func (s *Server) handlePolicyCoverage(c *gin.Context) {
	row, g, ok := s.loadPolicy(c)
	if !ok {
		return
	}
	resp := CoverageResponse{PolicyID: row.PolicyID, CoverageItems: []CoverageItem{}}
	for _, category := range g.Categories() {
		item := CoverageItem{Category: category, ExclusionIDs: []string{}}
		for _, cl := range g.ClausesForCategory(category) {
			item.Clauses = append(item.Clauses, ClauseFromGraph(g, cl))
			if cl.Unlimited() {
				item.Unlimited = true
				continue
			}
			item.LimitTotal += cl.LimitAmount
		}
		for _, excl := range g.ExclusionsForCategory(category) {
			item.ExclusionIDs = append(item.ExclusionIDs, excl.ExclusionID)
		}
		resp.TotalCoverageAmount += item.LimitTotal
		resp.HasUnlimited = resp.HasUnlimited || item.Unlimited
		resp.CoverageItems = append(resp.CoverageItems, item)
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) handleDeletePolicy(c *gin.Context) {
	policyID := strings.TrimSpace(c.Param("id"))
	s.jobMu.Lock()
	for _, job := range s.jobs {
		if job.policyID == policyID {
			s.jobMu.Unlock()
			s.renderError(c, http.StatusConflict, fmt.Errorf("re-adjudication %s is running for policy %s", job.id, policyID))
			return
		}
	}
	s.jobMu.Unlock()

	if err := s.db.DeletePolicy(policyID, terminalStatuses()); err != nil {
		switch {
		case errors.Is(err, store.ErrNotFound):
			s.renderError(c, http.StatusNotFound, fmt.Errorf("policy %s not found", policyID))
		case errors.Is(err, store.ErrPolicyInUse):
			s.renderError(c, http.StatusConflict, fmt.Errorf("policy %s: %w", policyID, err))
		default:
			s.renderError(c, http.StatusInternalServerError, err)
		}
		return
	}
	s.graphMu.Lock()
	delete(s.graphs, policyID)
	s.graphMu.Unlock()

	logrus.WithField("policy_id", policyID).Info("policy deleted")
	c.JSON(http.StatusOK, gin.H{"policy_id": policyID, "deleted": true})
}

// policyActive reports whether now falls inside the policy term. The
// expiration date is inclusive.
func policyActive(info policy.Info, now time.Time) bool {
	if now.Before(info.EffectiveDate) {
		return false
	}
	return info.ExpirationDate.IsZero() || now.Before(info.ExpirationDate.AddDate(0, 0, 1))
}

func terminalStatuses() []string {
	var out []string
	for _, st := range claim.Statuses() {
		if st.Terminal() {
			out = append(out, string(st))
		}
	}
	return out
}
