// Package telemetry 封装 OpenTelemetry SDK 初始化逻辑，
// 为 inferq 的请求方与消费者进程提供 TracerProvider 和 MeterProvider。
// 当遥测功能禁用时，使用 noop 实现，不连接任何外部服务；
// W3C 传播器始终安装，保证追踪上下文随消息 meta 跨越 broker。
package telemetry
