// Package config 提供 inferq 的配置管理功能。
//
// 配置按 默认值 → YAML 文件 → INFERQ_* 环境变量 的顺序合并，
// Validate 一次性报告全部问题，For* 方法把各段落转换为
// broker、producer、consumer 与重试策略使用的组件配置。
package config
