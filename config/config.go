package config

// StageConfig 单个流水线阶段的静态定义。
// 功能：描述阶段名、执行器注册名、进度权重与冷启动的默认耗时；
// Weight 为该阶段在整体进度中的占比，全表会在构建计划时统一归一化。
type StageConfig struct {
	Name           string   `yaml:"name"`           // 阶段名，如 background
	Executor       string   `yaml:"executor"`       // 执行器注册名，默认与 Name 相同
	Weight         float64  `yaml:"weight"`         // 进度权重占比
	DefaultSeconds float64  `yaml:"defaultSeconds"` // 无历史样本时的预计耗时（秒）
	Optional       bool     `yaml:"optional"`       // 是否允许按请求跳过
	Consumes       []string `yaml:"consumes"`       // 消耗的上游产物名；留空表示取上一阶段
}

// Config 组件运行所需的完整配置（可选）。
// 功能：承载 HTTP 监听、数据库与调度行为相关配置。
// 注意：组件本身在 Start 时自行监听 Host:Port；Mysql 仅在启用 gormstore 时使用。
type Config struct {
	Host string `yaml:"host"` // 服务监听地址，例如 0.0.0.0
	Port int    `yaml:"port"` // 服务监听端口，例如 27777

	Mysql struct {
		DataSource string `yaml:"dataSource"` // 形如 user:pass@tcp(127.0.0.1:3306)/db?charset=utf8mb4&parseTime=true&loc=Local
	} `yaml:"mysql"`

	Pipeline []StageConfig `yaml:"pipeline"` // 按顺序排列的阶段表

	StatsWindow         int     `yaml:"statsWindow"`         // 每阶段保留的历史样本数
	DefaultStageSeconds float64 `yaml:"defaultStageSeconds"` // 阶段级默认值缺失时的全局兜底（秒）
	CancelGraceSeconds  int     `yaml:"cancelGraceSeconds"`  // 协作式取消的宽限期
	MaxWallClockSeconds int     `yaml:"maxWallClockSeconds"` // 单作业最大运行时长；0 表示不限制
	RetainResources     bool    `yaml:"retainResources"`     // true 时阶段之间保留加速器资源
	SampleEverySeconds  int     `yaml:"sampleEverySeconds"`  // 系统指标采样周期
}
