package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/adgenlab/genpipe/genpipe"
	"github.com/adgenlab/genpipe/metrics"
)

// Client 针对内置 HTTP 服务的类型化客户端，便于宿主程序或测试驱动调度器。
type Client struct {
	base string
	hc   *http.Client
}

// New 构造客户端。
// 参数：addr 形如 127.0.0.1:27777；base 路由前缀留空默认 /pipeline。
func New(addr string) *Client {
	return &Client{base: "http://" + addr + "/pipeline", hc: &http.Client{Timeout: 30 * time.Second}}
}

// Submit 提交作业。
// 返回：作业ID；服务繁忙时返回 *genpipe.BusyError，校验失败等返回普通错误。
func (c *Client) Submit(ctx context.Context, req genpipe.SubmitRequest) (string, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return "", err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+"/generate", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	res, err := c.hc.Do(httpReq)
	if err != nil {
		return "", err
	}
	defer res.Body.Close()
	if res.StatusCode == http.StatusServiceUnavailable {
		var busy genpipe.BusyResponse
		if err := json.NewDecoder(res.Body).Decode(&busy); err != nil {
			return "", err
		}
		return "", &genpipe.BusyError{RetryAfter: time.Duration(busy.RetryAfter) * time.Second}
	}
	if res.StatusCode/100 != 2 {
		return "", httpError(res)
	}
	var out genpipe.SubmitResponse
	if err := json.NewDecoder(res.Body).Decode(&out); err != nil {
		return "", err
	}
	return out.JobID, nil
}

// Status 查询作业快照；作业不存在返回 genpipe.ErrNotFound。
func (c *Client) Status(ctx context.Context, jobID string) (genpipe.JobSnapshot, error) {
	var out genpipe.JobSnapshot
	err := c.get(ctx, c.base+"/status/"+jobID, &out)
	return out, err
}

// Stop 请求停止作业。
func (c *Client) Stop(ctx context.Context, jobID string) error {
	return c.post(ctx, c.base+"/stop/"+jobID, nil)
}

// List 列出全部作业。
func (c *Client) List(ctx context.Context) (genpipe.ListResponse, error) {
	var out genpipe.ListResponse
	err := c.get(ctx, c.base+"/jobs", &out)
	return out, err
}

// Delete 删除终态作业；活动作业返回 genpipe.ErrConflict。
func (c *Client) Delete(ctx context.Context, jobID string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, c.base+"/jobs/"+jobID, nil)
	if err != nil {
		return err
	}
	res, err := c.hc.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	switch res.StatusCode {
	case http.StatusOK:
		return nil
	case http.StatusConflict:
		return genpipe.ErrConflict
	case http.StatusNotFound:
		return genpipe.ErrNotFound
	default:
		return httpError(res)
	}
}

// Resources 获取实时系统指标。
func (c *Client) Resources(ctx context.Context) (metrics.SystemMetric, error) {
	var out metrics.SystemMetric
	err := c.get(ctx, c.base+"/resources", &out)
	return out, err
}

// Reset 开发专用：全量清场。
func (c *Client) Reset(ctx context.Context) (genpipe.ResetStats, error) {
	var out genpipe.ResetStats
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+"/reset", nil)
	if err != nil {
		return out, err
	}
	res, err := c.hc.Do(req)
	if err != nil {
		return out, err
	}
	defer res.Body.Close()
	if res.StatusCode/100 != 2 {
		return out, httpError(res)
	}
	return out, json.NewDecoder(res.Body).Decode(&out)
}

// get 执行 GET 请求并解码 JSON。
func (c *Client) get(ctx context.Context, url string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	res, err := c.hc.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.StatusCode == http.StatusNotFound {
		return genpipe.ErrNotFound
	}
	if res.StatusCode/100 != 2 {
		return httpError(res)
	}
	return json.NewDecoder(res.Body).Decode(out)
}

// post 执行无响应体期望的 POST 请求。
func (c *Client) post(ctx context.Context, url string, body any) error {
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return err
		}
		rd = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, rd)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	res, err := c.hc.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.StatusCode == http.StatusNotFound {
		return genpipe.ErrNotFound
	}
	if res.StatusCode/100 != 2 {
		return httpError(res)
	}
	return nil
}

// httpError 组装非 2xx 响应的错误。
func httpError(res *http.Response) error {
	b, _ := io.ReadAll(res.Body)
	return fmt.Errorf("%s %s => %d: %s", res.Request.Method, res.Request.URL, res.StatusCode, string(b))
}
