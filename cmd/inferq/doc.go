// Copyright (c) AgentFlow Authors.
// Licensed under the MIT License.

/*
Package main 提供 inferq 命令行程序入口。

# 概述

cmd/inferq 把批处理消费者与请求方组装成可执行程序，提供 consume、
send、demo、health 与 version 子命令。程序支持 YAML 配置文件加载、
环境变量覆盖、结构化日志（zap）、Prometheus 指标与 OpenTelemetry
追踪。

# 核心类型

  - app       ：一次运行的公共依赖：配置、日志、broker、指标与遥测
  - handlers  ：内置批处理器 echo 与 sleep-echo

# 主要能力

  - consume：按窗口聚合输入队列消息并交给内置处理器，回复写入输出队列
  - send：发送 N 个请求并打印回复，超时的请求打印 timeout 后继续
  - demo：在同一进程内运行消费者与请求方，适合 memory broker
  - 运维端口：consume/demo 运行期间暴露 /metrics 与 /health
  - 优雅关闭：SIGINT/SIGTERM → 取消 errgroup → 消费者排空 → 关闭 broker
  - 构建注入：Version、BuildTime、GitCommit 通过 ldflags 设置
*/
package main
