// 版权所有 2024 AgentFlow Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

/*
包 metrics 提供基于 Prometheus 的请求/回复与批处理指标采集能力。

# 概述

Collector 在调用方提供的 prometheus.Registerer 上注册全部指标，
测试可以为每个用例创建独立的注册表。所有记录方法对 nil 接收者安全。

# 主要指标

  - 生产者：sends_total{status}、send_duration_seconds、
    pending_requests、replies_total{outcome}。
  - 消费者：batches_total{status}、batch_size、
    handler_duration_seconds、deliveries_total{action}。
  - Broker：broker_retries_total{op}。
*/
package metrics
