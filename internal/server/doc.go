// 版权所有 2024 AgentFlow Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

/*
包 server 提供运维 HTTP 服务器的生命周期管理与 /metrics、/health
端点。

# 概述

Manager 封装 net/http.Server，统一管理监听、服务、关闭与错误
传播流程。Ops 在其上挂载 Prometheus 指标导出与可注册的健康检查，
供 inferq 命令行进程暴露运行状态。

# 核心类型

  - Manager：服务器管理器，提供 Start/Run/Shutdown 生命周期方法，
    Addr 在启动后返回实际监听地址（支持 ":0" 随机端口）。
  - Config：服务器配置，包含监听地址、读写超时、空闲超时、
    最大请求头大小与优雅关闭超时。
  - Ops：运维端点集合，RegisterCheck 注册命名检查（如 broker Ping），
    Handler 返回挂载 /metrics、/health、/healthz 的路由。

# 主要能力

  - 非阻塞启动：Start 在后台 goroutine 中运行服务。
  - 阻塞运行：Run 适合放入 errgroup，ctx 结束时优雅关闭。
  - 健康检查：/health 逐项执行检查，任一失败返回 503；
    /healthz 仅作为活跃度探针。
  - 错误传播：Errors() 返回异步错误通道。
*/
package server
