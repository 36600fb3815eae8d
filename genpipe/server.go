package genpipe

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"sync"

	"github.com/adgenlab/genpipe/logging"
	"github.com/adgenlab/genpipe/metrics"
	"github.com/adgenlab/genpipe/pipeline"
)

// serverState 内置 HTTP Server 的运行状态。
type serverState struct {
	srv    *http.Server
	addrMu sync.RWMutex
	addr   string
}

// SubmitResponse 提交成功响应。
type SubmitResponse struct {
	JobID  string `json:"jobId"`
	Status string `json:"status"`
}

// BusyResponse 准入被拒响应（HTTP 503 + Retry-After）。
type BusyResponse struct {
	Status     string `json:"status"`
	Message    string `json:"message"`
	RetryAfter int    `json:"retryAfter"`
}

// StopResponse 停止请求响应。
type StopResponse struct {
	JobID  string `json:"jobId"`
	Status string `json:"status"`
}

// DeleteResponse 删除响应。
type DeleteResponse struct {
	JobID  string `json:"jobId"`
	Status string `json:"status"`
}

// ListResponse 全量作业列表响应。
type ListResponse struct {
	TotalJobs     int          `json:"totalJobs"`
	ActiveJobs    int          `json:"activeJobs"`
	CompletedJobs int          `json:"completedJobs"`
	FailedJobs    int          `json:"failedJobs"`
	Jobs          []JobSummary `json:"jobs"`
}

// startHTTP 启动内置 HTTP Server：先监听并确定实际地址（可能为随机端口），
// ctx.Done 时优雅关闭。
func (s *Scheduler) startHTTP(ctx context.Context) error {
	mux := http.NewServeMux()
	s.registerHandlers(mux, "/pipeline")
	ln, err := net.Listen("tcp", s.opt.ListenAddr)
	if err != nil {
		logging.L().Error(ctx, "listen failed", "addr", s.opt.ListenAddr, "err", err)
		return err
	}
	s.srv.addrMu.Lock()
	s.srv.addr = ln.Addr().String()
	s.srv.addrMu.Unlock()
	s.srv.srv = &http.Server{Addr: s.srv.addr, Handler: mux}
	go func() { <-ctx.Done(); _ = s.srv.srv.Shutdown(context.Background()) }()
	go func() { _ = s.srv.srv.Serve(ln) }()
	logging.L().Info(ctx, "pipeline server listening", "addr", s.srv.addr)
	return nil
}

// Addr 返回内置 HTTP Server 的实际监听地址（用于测试或 :0 随机端口场景）。
func (s *Scheduler) Addr() string {
	s.srv.addrMu.RLock()
	defer s.srv.addrMu.RUnlock()
	return s.srv.addr
}

// registerHandlers 将调度器的 HTTP 路由挂载到 mux，base 前缀默认 /pipeline。
func (s *Scheduler) registerHandlers(mux *http.ServeMux, base string) {
	mux.HandleFunc("POST "+base+"/generate", s.handleGenerate)
	mux.HandleFunc("GET "+base+"/status/{jobID}", s.handleStatus)
	mux.HandleFunc("POST "+base+"/stop/{jobID}", s.handleStop)
	mux.HandleFunc("GET "+base+"/jobs", s.handleListJobs)
	mux.HandleFunc("DELETE "+base+"/jobs/{jobID}", s.handleDeleteJob)
	mux.HandleFunc("GET "+base+"/resources", s.handleResources)
	mux.HandleFunc("POST "+base+"/reset", s.handleReset)
}

// handleGenerate 启动新的生成作业（非阻塞）。
// 繁忙时返回 503 与 Retry-After 头；校验失败返回 400。
func (s *Scheduler) handleGenerate(rw http.ResponseWriter, r *http.Request) {
	var req SubmitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErr(rw, http.StatusBadRequest, err)
		return
	}
	id, err := s.Submit(r.Context(), req)
	if err != nil {
		var busy *BusyError
		if errors.As(err, &busy) {
			retry := int(busy.RetryAfter.Seconds())
			rw.Header().Set("Content-Type", "application/json")
			rw.Header().Set("Retry-After", strconv.Itoa(retry))
			rw.WriteHeader(http.StatusServiceUnavailable)
			_ = json.NewEncoder(rw).Encode(BusyResponse{
				Status:     "busy",
				Message:    fmt.Sprintf("Busy. Retry after %ds", retry),
				RetryAfter: retry,
			})
			return
		}
		if errors.Is(err, pipeline.ErrValidation) {
			writeErr(rw, http.StatusBadRequest, err)
			return
		}
		writeErr(rw, http.StatusInternalServerError, err)
		return
	}
	writeJSON(rw, SubmitResponse{JobID: id, Status: "started"})
}

// handleStatus 查询作业状态与中间/最终产物。
func (s *Scheduler) handleStatus(rw http.ResponseWriter, r *http.Request) {
	snap, err := s.Status(r.Context(), r.PathValue("jobID"))
	if err != nil {
		writeErr(rw, http.StatusNotFound, err)
		return
	}
	writeJSON(rw, snap)
}

// handleStop 请求停止作业。
func (s *Scheduler) handleStop(rw http.ResponseWriter, r *http.Request) {
	id := r.PathValue("jobID")
	if err := s.Cancel(r.Context(), id); err != nil {
		writeErr(rw, http.StatusNotFound, err)
		return
	}
	writeJSON(rw, StopResponse{JobID: id, Status: StatusStopped})
}

// handleListJobs 列出全部作业及聚合计数。
func (s *Scheduler) handleListJobs(rw http.ResponseWriter, r *http.Request) {
	jobs, err := s.List(r.Context())
	if err != nil {
		writeErr(rw, http.StatusInternalServerError, err)
		return
	}
	resp := ListResponse{TotalJobs: len(jobs), Jobs: jobs}
	for _, j := range jobs {
		switch j.Status {
		case StatusPending, StatusRunning:
			resp.ActiveJobs++
		case StatusCompleted:
			resp.CompletedJobs++
		case StatusFailed:
			resp.FailedJobs++
		}
	}
	writeJSON(rw, resp)
}

// handleDeleteJob 删除终态作业；活动作业返回 409。
func (s *Scheduler) handleDeleteJob(rw http.ResponseWriter, r *http.Request) {
	id := r.PathValue("jobID")
	switch err := s.Delete(r.Context(), id); {
	case err == nil:
		writeJSON(rw, DeleteResponse{JobID: id, Status: "deleted"})
	case errors.Is(err, ErrConflict):
		writeErr(rw, http.StatusConflict, err)
	case errors.Is(err, ErrNotFound):
		writeErr(rw, http.StatusNotFound, err)
	default:
		writeErr(rw, http.StatusInternalServerError, err)
	}
}

// handleResources 返回实时系统指标。
func (s *Scheduler) handleResources(rw http.ResponseWriter, r *http.Request) {
	writeJSON(rw, metrics.CollectSystemMetric(r.Context()))
}

// handleReset 开发专用：全量清场。
func (s *Scheduler) handleReset(rw http.ResponseWriter, r *http.Request) {
	out, err := s.Reset(r.Context())
	if err != nil {
		writeErr(rw, http.StatusInternalServerError, err)
		return
	}
	writeJSON(rw, out)
}

// writeErr/JSON 公共返回工具。
func writeErr(w http.ResponseWriter, code int, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(map[string]any{"success": false, "message": err.Error()})
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

// listenAddr 组装监听地址。
func listenAddr(host string, port int) string { return fmt.Sprintf("%s:%d", host, port) }
