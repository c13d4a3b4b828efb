// 版权所有 2024 AgentFlow Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

/*
包 database 提供基于 GORM 的数据库连接池管理与事务重试，
供 SQL 租约表 broker 使用。

# 概述

本包通过 PoolManager 封装 GORM 与 database/sql 的连接池配置，
统一管理连接生命周期、探活与关闭。租约与发布都在事务中完成，
多个消费者竞争同一行时可能遇到死锁、序列化失败或 sqlite 写锁，
WithTransactionRetry 对这类冲突按指数退避重试。

# 核心类型

  - PoolManager：连接池管理器，持有 GORM DB 实例与底层 sql.DB，
    提供 DB()、Ping()、Stats()、Close() 等生命周期方法。
  - PoolConfig：连接池配置，零值字段保留现有设置，
    MaxTxAttempts 控制事务冲突的最大尝试次数。
  - TransactionFunc：事务回调函数类型。

# 主要能力

  - 连接池调优：MaxIdleConns/MaxOpenConns/ConnMaxLifetime/ConnMaxIdleTime。
  - 事务管理：WithTransaction 单次执行，WithTransactionRetry 冲突重试。
  - 错误分类：IsRetryableError 识别死锁、序列化失败、锁繁忙与连接故障。
*/
package database
