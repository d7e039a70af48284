package health

import (
	"net/http"
	"sort"
	"sync"

	"github.com/go-chi/chi/v5"

	"github.com/zhouzirui/z-tavern/realtime/internal/model/status"
	"github.com/zhouzirui/z-tavern/realtime/pkg/utils"
)

// Registry 桩服务对外报告的插件表
type Registry struct {
	mu      sync.RWMutex
	plugins map[string]status.PluginInfo
}

// NewRegistry 创建插件表
func NewRegistry(plugins ...status.PluginInfo) *Registry {
	r := &Registry{plugins: make(map[string]status.PluginInfo, len(plugins))}
	for _, p := range plugins {
		r.Set(p)
	}
	return r
}

// DefaultPlugins 桩服务默认注册的插件
func DefaultPlugins() []status.PluginInfo {
	return []status.PluginInfo{
		{Name: "phi_reasoner", Type: "reasoning", Version: "stub", Status: "ready", Healthy: true, Dependencies: []string{}},
		{Name: "qwen_reasoner", Type: "reasoning", Version: "stub", Status: "ready", Healthy: true, Dependencies: []string{}},
		{Name: "council", Type: "coordinator", Version: "stub", Status: "ready", Healthy: true, Dependencies: []string{"phi_reasoner", "qwen_reasoner"}},
		{Name: "whisper", Type: "input", Version: "stub", Status: "ready", Healthy: true, Dependencies: []string{}},
	}
}

// Set 注册或替换插件
func (r *Registry) Set(p status.PluginInfo) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if p.Dependencies == nil {
		p.Dependencies = []string{}
	}
	r.plugins[p.Name] = p
}

// Get 查询单个插件
func (r *Registry) Get(name string) (status.PluginInfo, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.plugins[name]
	return p, ok
}

// All 返回插件表副本
func (r *Registry) All() map[string]status.PluginInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]status.PluginInfo, len(r.plugins))
	for name, p := range r.plugins {
		out[name] = p
	}
	return out
}

// Health 汇总整体健康状态，任一插件异常即为 degraded
func (r *Registry) Health() status.Health {
	plugins := r.All()
	state := "healthy"
	var vram float64
	names := make([]string, 0, len(plugins))
	for name, p := range plugins {
		names = append(names, name)
		vram += p.VRAMUsageGB
		if !p.Healthy {
			state = "degraded"
		}
	}
	sort.Strings(names)
	return status.Health{
		Status:  state,
		Plugins: plugins,
		VRAM: map[string]any{
			"used_gb": vram,
			"plugins": names,
		},
	}
}

// Handler 健康检查与插件查询的HTTP处理器
type Handler struct {
	registry *Registry
}

// New 创建处理器
func New(registry *Registry) *Handler {
	if registry == nil {
		registry = NewRegistry(DefaultPlugins()...)
	}
	return &Handler{registry: registry}
}

// RegisterRoutes 注册健康检查与插件路由
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/health/", h.handleHealth)
	r.Get("/plugins/", h.handlePlugins)
	r.Get("/plugins/{name}", h.handlePlugin)
}

func (h *Handler) handleHealth(w http.ResponseWriter, _ *http.Request) {
	utils.RespondJSON(w, http.StatusOK, h.registry.Health())
}

func (h *Handler) handlePlugins(w http.ResponseWriter, _ *http.Request) {
	utils.RespondJSON(w, http.StatusOK, h.registry.All())
}

func (h *Handler) handlePlugin(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	p, ok := h.registry.Get(name)
	if !ok {
		utils.RespondError(w, http.StatusNotFound, "Plugin "+name+" not found")
		return
	}
	utils.RespondJSON(w, http.StatusOK, p)
}
