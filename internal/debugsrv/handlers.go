package debugsrv

import (
	"net/http"
	"os"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/shirou/gopsutil/v4/process"

	"github.com/driftlab/driftsync/internal/directory"
	"github.com/driftlab/driftsync/internal/modeltype"
	"github.com/driftlab/driftsync/internal/notifier"
	"github.com/driftlab/driftsync/internal/scheduler"
	"github.com/driftlab/driftsync/internal/version"
)

type apiError struct {
	Error string `json:"error"`
}

// nodeDetails is one directory entry plus its children, the shape the
// original about:sync node browser renders.
type nodeDetails struct {
	directory.EntryKernel
	ChildHandles []int64 `json:"childHandles,omitempty"`
}

func (s *Server) getStatus(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":           s.engine.GetStatus(),
		"cacheGuid":        s.engine.CacheGUID(),
		"hasUnsyncedItems": s.engine.HasUnsyncedItems(),
	})
}

func (s *Server) getNotificationState(c *gin.Context) {
	st := s.engine.GetStatus()
	connected := s.push != nil && s.push.IsConnected()
	c.JSON(http.StatusOK, gin.H{
		"notificationsEnabled":  st.NotificationsEnabled,
		"notificationsReceived": st.NotificationsReceived,
		"channelConnected":      connected,
	})
}

func (s *Server) getNotificationInfo(c *gin.Context) {
	if s.push == nil {
		c.JSON(http.StatusOK, gin.H{
			"registeredTopics": []string{},
			"topics":           map[string]notifier.TopicStats{},
			"droppedStale":     0,
		})
		return
	}
	stats, dropped := s.push.Stats()
	c.JSON(http.StatusOK, gin.H{
		"registeredTopics": s.push.RegisteredTopics(),
		"topics":           stats,
		"droppedStale":     dropped,
	})
}

func (s *Server) getRootNodeDetails(c *gin.Context) {
	dir := s.engine.Directory()
	if dir == nil {
		c.JSON(http.StatusServiceUnavailable, apiError{Error: "directory not open"})
		return
	}
	var root nodeDetails
	err := dir.View(func(tx *directory.ReadTx) error {
		root = nodeDetails{
			EntryKernel:  directory.EntryKernel{ID: directory.Root, Folder: true, Name: "ROOT"},
			ChildHandles: tx.ChildHandles(directory.Root),
		}
		return nil
	})
	if err != nil {
		c.JSON(http.StatusInternalServerError, apiError{Error: err.Error()})
		return
	}
	c.JSON(http.StatusOK, root)
}

func (s *Server) getNodeDetailsByID(c *gin.Context) {
	dir := s.engine.Directory()
	if dir == nil {
		c.JSON(http.StatusServiceUnavailable, apiError{Error: "directory not open"})
		return
	}
	rawID := c.Query("id")
	rawHandle := c.Query("handle")
	if rawID == "" && rawHandle == "" {
		c.JSON(http.StatusBadRequest, apiError{Error: "id or handle required"})
		return
	}

	var node nodeDetails
	found := false
	err := dir.View(func(tx *directory.ReadTx) error {
		var e directory.EntryKernel
		if rawHandle != "" {
			h, err := strconv.ParseInt(rawHandle, 10, 64)
			if err != nil {
				return err
			}
			e, found = tx.EntryByHandle(h)
		} else {
			e, found = tx.EntryByID(directory.ID(rawID))
		}
		if found {
			node = nodeDetails{EntryKernel: e, ChildHandles: tx.ChildHandles(e.ID)}
		}
		return nil
	})
	if err != nil {
		c.JSON(http.StatusBadRequest, apiError{Error: err.Error()})
		return
	}
	if !found {
		c.JSON(http.StatusNotFound, apiError{Error: "node not found"})
		return
	}
	c.JSON(http.StatusOK, node)
}

func (s *Server) findNodesContainingString(c *gin.Context) {
	dir := s.engine.Directory()
	if dir == nil {
		c.JSON(http.StatusServiceUnavailable, apiError{Error: "directory not open"})
		return
	}
	query := c.Query("query")
	if query == "" {
		c.JSON(http.StatusBadRequest, apiError{Error: "query required"})
		return
	}
	needle := strings.ToLower(query)

	var matches []nodeDetails
	err := dir.View(func(tx *directory.ReadTx) error {
		for _, h := range tx.Handles() {
			e, ok := tx.EntryByHandle(h)
			if !ok {
				continue
			}
			if strings.Contains(strings.ToLower(e.Name), needle) ||
				strings.Contains(strings.ToLower(e.Specifics), needle) {
				matches = append(matches, nodeDetails{EntryKernel: e})
			}
		}
		return nil
	})
	if err != nil {
		c.JSON(http.StatusInternalServerError, apiError{Error: err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"query": query, "nodes": matches, "count": len(matches)})
}

func (s *Server) getClientInfo(c *gin.Context) {
	info := gin.H{
		"app":       version.AppName,
		"version":   version.Version,
		"revision":  version.Revision,
		"buildDate": version.BuildDate,
		"goVersion": runtime.Version(),
		"os":        runtime.GOOS,
		"arch":      runtime.GOARCH,
		"pid":       os.Getpid(),
	}
	if p, err := process.NewProcess(int32(os.Getpid())); err == nil {
		if cpuPercent, err := p.CPUPercent(); err == nil {
			info["cpuPercent"] = cpuPercent
		}
		if mem, err := p.MemoryInfo(); err == nil {
			info["memoryInfo"] = mem
		}
		if threads, err := p.NumThreads(); err == nil {
			info["numThreads"] = threads
		}
		if created, err := p.CreateTime(); err == nil {
			info["uptimeMs"] = time.Now().UnixMilli() - created
		}
	}
	c.JSON(http.StatusOK, info)
}

type nudgeRequest struct {
	DelayMs int64    `json:"delayMs"`
	Types   []string `json:"types"`
}

func (s *Server) requestNudge(c *gin.Context) {
	var req nudgeRequest
	_ = c.ShouldBindJSON(&req)

	if len(req.Types) > 0 {
		types, err := modeltype.MatchPatterns(req.Types)
		if err != nil {
			c.JSON(http.StatusBadRequest, apiError{Error: err.Error()})
			return
		}
		s.engine.RequestNudgeForTypes(types)
		c.JSON(http.StatusAccepted, gin.H{"nudged": true, "types": types.Types()})
		return
	}

	delay := scheduler.DefaultNudgeDelay
	if req.DelayMs > 0 {
		delay = time.Duration(req.DelayMs) * time.Millisecond
	}
	s.engine.RequestNudge(delay)
	c.JSON(http.StatusAccepted, gin.H{"nudged": true, "delay": delay.String()})
}

func (s *Server) requestClearServerData(c *gin.Context) {
	s.engine.RequestClearServerData()
	c.JSON(http.StatusAccepted, gin.H{"clearRequested": true})
}
